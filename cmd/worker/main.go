package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/comfy2go-worker/client"
	"github.com/richinsley/comfy2go-worker/internal/config"
	"github.com/richinsley/comfy2go-worker/internal/handler"
	"github.com/richinsley/comfy2go-worker/internal/server"
	"github.com/richinsley/comfy2go-worker/internal/storage"
	"github.com/schollz/progressbar/v3"
)

type options struct {
	inputFile string
	serve     bool
	stats     bool
}

// process CLI arguments
func procCLI() options {
	var o options
	flag.StringVar(&o.inputFile, "input", "", "Path to a job JSON file ({\"input\": {...}} or a bare input)")
	flag.BoolVar(&o.serve, "serve", false, "Serve the local job API on HTTP_ADDR")
	flag.BoolVar(&o.stats, "stats", false, "Print ComfyUI system stats and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Printf("  %s [-input job.json | -serve | -stats]", os.Args[0])
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if o.inputFile == "" && !o.serve && !o.stats {
		flag.Usage()
		os.Exit(1)
	}
	return o
}

func main() {
	opts := procCLI()
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case opts.stats:
		err = printStats(ctx, cfg)
	case opts.serve:
		err = serve(ctx, cfg)
	default:
		err = runFile(ctx, cfg, opts.inputFile)
	}
	if err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func printStats(ctx context.Context, cfg config.Config) error {
	c := client.NewComfyClient(cfg.ComfyHost)
	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("OS: %s, Python: %s\n", stats.System.OS, stats.System.PythonVersion)
	for _, d := range stats.Devices {
		fmt.Printf("  [%d] %s (%s) VRAM %d/%d MiB free\n", d.Index, d.Name, d.Type, d.VRAM_Free>>20, d.VRAM_Total>>20)
	}
	return nil
}

func newHandler(ctx context.Context, cfg config.Config) (*handler.Handler, error) {
	uploader, err := storage.NewUploader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return handler.New(cfg, uploader), nil
}

// readJob accepts either a full job document or a bare input object
func readJob(path string) (handler.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return handler.Job{}, err
	}

	var envelope struct {
		ID    string          `json:"id"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return handler.Job{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	job := handler.Job{ID: envelope.ID, Input: handler.RawFromJSON(envelope.Input)}
	if envelope.Input == nil {
		job.Input = handler.RawFromJSON(data)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return job, nil
}

func runFile(ctx context.Context, cfg config.Config, path string) error {
	job, err := readJob(path)
	if err != nil {
		return err
	}

	h, err := newHandler(ctx, cfg)
	if err != nil {
		return err
	}

	// we'll provide a progress bar per executing node
	var bar *progressbar.ProgressBar
	var barNode string
	messages := client.DefaultMessageHandlers().
		WithProgressHandler(func(p *client.PromptMessageProgress) {
			if bar == nil || p.NodeID != barNode {
				bar = progressbar.Default(int64(p.Max), "node "+p.NodeID)
				barNode = p.NodeID
			}
			bar.Set(p.Value)
		}).
		WithDataHandler(func(d *client.PromptMessageData) {
			for kind, items := range d.Data {
				for _, item := range items {
					slog.Info("Node output", "node_id", d.NodeID, "kind", kind, "filename", item.Filename, "type", item.Type)
				}
			}
		})
	h.WithMessageHandlers(messages)

	result := h.Handle(ctx, job)
	if bar != nil {
		bar.Finish()
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if result.Failed() {
		return errors.New(result.Error)
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config) error {
	h, err := newHandler(ctx, cfg)
	if err != nil {
		return err
	}

	s := server.New(h, cfg.RefreshWorker, 64)
	s.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("local job API listening", "addr", cfg.HTTPAddr, "comfy_host", cfg.ComfyHost)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
