package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/comfy2go-worker/client"
	appconfig "github.com/richinsley/comfy2go-worker/internal/config"
	"github.com/richinsley/comfy2go-worker/internal/storage"
)

// Job is a unit of work as delivered by the serverless platform
type Job struct {
	ID    string   `json:"id"`
	Input RawInput `json:"input"`
}

// Handler runs jobs against a single ComfyUI instance
type Handler struct {
	client   *client.ComfyClient
	uploader storage.Uploader
	cfg      appconfig.Config
	messages *client.MessageHandlers
}

// New creates a Handler for the ComfyUI server named by cfg.ComfyHost.
// uploader may be nil, in which case output images are returned as base64.
func New(cfg appconfig.Config, uploader storage.Uploader) *Handler {
	return &Handler{
		client:   client.NewComfyClient(cfg.ComfyHost),
		uploader: uploader,
		cfg:      cfg,
		messages: client.DefaultMessageHandlers(),
	}
}

// WithMessageHandlers replaces the callbacks used while a prompt executes
func (h *Handler) WithMessageHandlers(m *client.MessageHandlers) *Handler {
	h.messages = m
	return h
}

// Handle runs one job to completion and never returns a nil Result.
// Failures are reported through Result.Error rather than as Go errors.
func (h *Handler) Handle(ctx context.Context, job Job) *Result {
	input, err := ValidateInput(job.Input)
	if err != nil {
		return errorResult(err.Error())
	}

	if !h.client.CheckServer(ctx, h.cfg.APIAvailableMaxRetries, h.cfg.APIAvailableInterval) {
		return errorResult(fmt.Sprintf("ComfyUI server (%s) not reachable after multiple retries.", h.client.ServerAddress()))
	}

	if len(input.Images) > 0 {
		upload := h.client.UploadImages(ctx, input.Images)
		if upload.Status == client.UploadStatusError {
			return errorResult("Failed to upload one or more input images", upload.Details...)
		}
	}

	return h.run(ctx, job.ID, input)
}

func (h *Handler) apiKey(input *JobInput) string {
	if input.ComfyOrgAPIKey != nil && *input.ComfyOrgAPIKey != "" {
		return *input.ComfyOrgAPIKey
	}
	return h.cfg.ComfyOrgAPIKey
}

func (h *Handler) run(ctx context.Context, jobID string, input *JobInput) *Result {
	clientID := uuid.NewString()

	ws := h.client.NewWebSocketConnection(clientID, h.cfg.WebsocketReconnectAttempts, h.cfg.WebsocketReconnectDelay)
	ws.Trace = h.cfg.WebsocketTrace
	if err := ws.Connect(ctx); err != nil {
		return errorResult(fmt.Sprintf("WebSocket communication error: %v", err))
	}
	defer ws.Close()

	queued, err := h.client.QueueWorkflow(ctx, input.Workflow, clientID, h.apiKey(input))
	if err != nil {
		var verr *client.PromptValidationError
		if errors.As(err, &verr) {
			return errorResult(verr.Error())
		}
		return errorResult(fmt.Sprintf("Error queuing workflow: %v", err))
	}
	promptID := queued.PromptID

	var errs []string
	err = h.client.WaitForPrompt(ctx, ws, promptID, h.messages)
	var execErr *client.ExecutionError
	switch {
	case err == nil:
	case errors.As(err, &execErr):
		errs = append(errs, execErr.Error())
	default:
		if ctx.Err() != nil {
			h.interrupt(ctx, promptID)
		}
		return errorResult(fmt.Sprintf("WebSocket communication error: %v", err))
	}

	history, err := h.client.GetHistory(ctx, promptID)
	if err != nil {
		return errorResult(fmt.Sprintf("HTTP communication error with ComfyUI: %v", err))
	}
	item, ok := history[promptID]
	if !ok {
		msg := fmt.Sprintf("Prompt ID %s not found in history after execution.", promptID)
		if len(errs) == 0 {
			return errorResult(msg)
		}
		errs = append(errs, msg)
		return errorResult("Job processing failed, prompt ID not found in history.", errs...)
	}

	if len(item.Outputs) == 0 {
		msg := fmt.Sprintf("No outputs found in history for prompt %s.", promptID)
		slog.Warn(msg)
		if len(errs) == 0 {
			errs = append(errs, msg)
		}
	}

	images, outErrs := h.collectOutputs(ctx, jobID, item)
	errs = append(errs, outErrs...)
	return finalResult(images, errs)
}

// interrupt stops a prompt the caller abandoned so it does not keep the GPU busy
func (h *Handler) interrupt(ctx context.Context, promptID string) {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.client.Interrupt(ictx); err != nil {
		slog.Warn("failed to interrupt abandoned prompt", "prompt_id", promptID, "error", err)
		return
	}
	slog.Info("interrupted abandoned prompt", "prompt_id", promptID)
}
