package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ComfyHost string

	APIAvailableInterval   time.Duration
	APIAvailableMaxRetries int

	WebsocketReconnectAttempts int
	WebsocketReconnectDelay    time.Duration
	WebsocketTrace             bool

	RefreshWorker  bool
	ComfyOrgAPIKey string

	BucketEndpointURL     string
	BucketAccessKeyID     string
	BucketSecretAccessKey string
	BucketName            string
	BucketRegion          string

	HTTPAddr string
	LogLevel slog.Level
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
		slog.Warn("bad int env, using default", "key", key, "value", v)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "true", "1":
			return true
		case "false", "0":
			return false
		}
		slog.Warn("bad bool env, using default", "key", key, "value", v)
	}
	return def
}

func getLevel(key string, def slog.Level) slog.Level {
	if v := os.Getenv(key); v != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(v)); err == nil {
			return level
		}
		slog.Warn("bad log level env, using default", "key", key, "value", v)
	}
	return def
}

// dotenvNames are tried in order inside the directory that holds them
var dotenvNames = []string{".env.local", ".env"}

// envFiles lists the files Load merges into the environment.
// WORKER_ENV_FILE names them explicitly as a comma separated list; otherwise the
// nearest directory at or above dir holding a dotenv file wins, searched maxUp levels up.
func envFiles(dir string, maxUp int) []string {
	if explicit := os.Getenv("WORKER_ENV_FILE"); explicit != "" {
		var files []string
		for _, f := range strings.Split(explicit, ",") {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
		return files
	}

	for level := 0; level <= maxUp; level++ {
		var found []string
		for _, name := range dotenvNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				found = append(found, path)
			}
		}
		if len(found) > 0 {
			return found
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

// loadEnvFiles merges the files envFiles picks for dir and returns the ones that loaded.
// godotenv never overrides a variable that is already set.
func loadEnvFiles(dir string) []string {
	var loaded []string
	for _, path := range envFiles(dir, 3) {
		if err := godotenv.Load(path); err != nil {
			slog.Warn("could not load env file", "path", path, "error", err)
			continue
		}
		loaded = append(loaded, path)
	}
	return loaded
}

// Load reads the worker configuration from the environment after merging any .env files.
// Variables already set in the environment take precedence over .env values.
func Load() Config {
	dir, err := os.Getwd()
	if err != nil {
		slog.Debug("no working directory, skipping env files", "error", err)
		return FromEnv()
	}
	if loaded := loadEnvFiles(dir); len(loaded) > 0 {
		slog.Debug("loaded env files", "paths", loaded)
	}
	return FromEnv()
}

// FromEnv reads the worker configuration from the process environment only
func FromEnv() Config {
	return Config{
		ComfyHost:                  getenv("COMFY_HOST", "127.0.0.1:8188"),
		APIAvailableInterval:       time.Duration(mustInt("COMFY_API_AVAILABLE_INTERVAL_MS", 50)) * time.Millisecond,
		APIAvailableMaxRetries:     mustInt("COMFY_API_AVAILABLE_MAX_RETRIES", 500),
		WebsocketReconnectAttempts: mustInt("WEBSOCKET_RECONNECT_ATTEMPTS", 5),
		WebsocketReconnectDelay:    time.Duration(mustInt("WEBSOCKET_RECONNECT_DELAY_S", 3)) * time.Second,
		WebsocketTrace:             getBool("WEBSOCKET_TRACE", false),
		RefreshWorker:              getBool("REFRESH_WORKER", false),
		ComfyOrgAPIKey:             getenv("COMFY_ORG_API_KEY", ""),
		BucketEndpointURL:          getenv("BUCKET_ENDPOINT_URL", ""),
		BucketAccessKeyID:          getenv("BUCKET_ACCESS_KEY_ID", ""),
		BucketSecretAccessKey:      getenv("BUCKET_SECRET_ACCESS_KEY", ""),
		BucketName:                 getenv("BUCKET_NAME", ""),
		BucketRegion:               getenv("BUCKET_REGION", "us-east-1"),
		HTTPAddr:                   getenv("HTTP_ADDR", ":8000"),
		LogLevel:                   getLevel("LOG_LEVEL", slog.LevelInfo),
	}
}
