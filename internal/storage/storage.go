package storage

import (
	"context"
	"log/slog"

	appconfig "github.com/richinsley/comfy2go-worker/internal/config"
)

// Uploader stores a generated image and returns a URL the job's caller can fetch it from
type Uploader interface {
	UploadImage(ctx context.Context, jobID string, filename string, data []byte) (string, error)
}

// NewUploader returns the configured output uploader, or nil when no bucket is configured
// and images should be returned inline.
func NewUploader(ctx context.Context, cfg appconfig.Config) (Uploader, error) {
	if cfg.BucketEndpointURL == "" {
		slog.Info("no bucket configured, output images are returned as base64")
		return nil, nil
	}
	u, err := NewS3Uploader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return u, nil
}
