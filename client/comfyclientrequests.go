package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

/*
@routes.get("/")
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/object_info")
@routes.get("/history/{prompt_id}")
@routes.get("/ws")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/upload/image")
*/

const (
	checkTimeout   = 5 * time.Second
	requestTimeout = 30 * time.Second
	viewTimeout    = 60 * time.Second
)

// ServerStatus is the outcome of a single check of the ComfyUI HTTP root
type ServerStatus struct {
	Reachable  bool
	StatusCode int
	Err        error
}

func (s ServerStatus) String() string {
	if s.Err != nil {
		return s.Err.Error()
	}
	return fmt.Sprintf("status code %d", s.StatusCode)
}

// ServerStatus checks the ComfyUI HTTP root once
func (c *ComfyClient) ServerStatus(ctx context.Context) ServerStatus {
	status, _, err := c.doRequest(ctx, checkTimeout, http.MethodGet, "/", "", nil)
	if err != nil {
		return ServerStatus{Err: err}
	}
	return ServerStatus{Reachable: isSuccess(status), StatusCode: status}
}

// CheckServer polls the ComfyUI HTTP root until it answers with a 2xx status.
// At most retries requests are made with a fixed delay between them. Failures never
// surface as errors; the result only says whether the server came up.
func (c *ComfyClient) CheckServer(ctx context.Context, retries int, delay time.Duration) bool {
	slog.Info("checking API server", "url", c.BaseURL())
	for i := 0; i < retries; i++ {
		status := c.ServerStatus(ctx)
		if status.Reachable {
			slog.Info("API is reachable", "attempts", i+1)
			return true
		}
		slog.Debug("API not ready", "attempt", i+1, "status", status.String())

		if i < retries-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
		}
	}

	slog.Error("failed to connect to server", "url", c.BaseURL(), "attempts", retries)
	return false
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	status, body, err := c.doRequest(ctx, requestTimeout, http.MethodGet, "/system_stats", "", nil)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, &HTTPStatusError{Method: http.MethodGet, Path: "/system_stats", StatusCode: status, Body: string(body)}
	}

	retv := &SystemStats{}
	if err := json.Unmarshal(body, retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetHistory retrieves the execution history of a single prompt.
// The returned map is empty when ComfyUI does not know the prompt.
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (map[string]PromptHistoryItem, error) {
	path := "/history/" + url.PathEscape(promptID)
	status, body, err := c.doRequest(ctx, requestTimeout, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, &HTTPStatusError{Method: http.MethodGet, Path: path, StatusCode: status, Body: string(body)}
	}

	history := make(map[string]PromptHistoryItem)
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// GetImage downloads an output file through the /view route
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", image_data.Type)
	path := "/view?" + params.Encode()

	status, body, err := c.doRequest(ctx, viewTimeout, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, &HTTPStatusError{Method: http.MethodGet, Path: "/view", StatusCode: status}
	}
	return body, nil
}

// NodeObject is the subset of an /object_info entry needed to inspect node inputs
type NodeObject struct {
	Input struct {
		Required map[string]json.RawMessage `json:"required"`
		Optional map[string]json.RawMessage `json:"optional"`
	} `json:"input"`
	OutputNode bool   `json:"output_node"`
	Category   string `json:"category"`
}

func (c *ComfyClient) GetObjectInfos(ctx context.Context) (map[string]NodeObject, error) {
	status, body, err := c.doRequest(ctx, requestTimeout, http.MethodGet, "/object_info", "", nil)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, &HTTPStatusError{Method: http.MethodGet, Path: "/object_info", StatusCode: status}
	}

	result := make(map[string]NodeObject)
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// AvailableModels lists the checkpoints offered by CheckpointLoaderSimple
func (c *ComfyClient) AvailableModels(ctx context.Context) ([]string, error) {
	infos, err := c.GetObjectInfos(ctx)
	if err != nil {
		return nil, err
	}
	loader, ok := infos["CheckpointLoaderSimple"]
	if !ok {
		return nil, nil
	}
	raw, ok := loader.Input.Required["ckpt_name"]
	if !ok {
		return nil, nil
	}
	return comboOptions(raw), nil
}

// comboOptions extracts the choices of a combo input. ComfyUI describes these either as
// [["a", "b"], {...}] or, in newer releases, as ["COMBO", {"options": ["a", "b"]}].
func comboOptions(raw json.RawMessage) []string {
	var def []json.RawMessage
	if err := json.Unmarshal(raw, &def); err != nil || len(def) == 0 {
		return nil
	}

	var options []string
	if err := json.Unmarshal(def[0], &options); err == nil {
		return options
	}

	if len(def) > 1 {
		var extra struct {
			Options []string `json:"options"`
		}
		if err := json.Unmarshal(def[1], &extra); err == nil {
			return extra.Options
		}
	}
	return nil
}

// QueueWorkflow submits an API-format workflow. A 400 answer is decoded into a
// *PromptValidationError; any other non-2xx status is an *HTTPStatusError.
func (c *ComfyClient) QueueWorkflow(ctx context.Context, workflow json.RawMessage, clientID string, apiKey string) (*QueueItem, error) {
	prompt := Prompt{
		ClientID: clientID,
		Workflow: workflow,
	}
	if apiKey != "" {
		prompt.ExtraData = &PromptExtraData{APIKeyComfyOrg: apiKey}
	}

	data, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}

	slog.Info("queueing workflow", "client_id", clientID)
	status, body, err := c.doRequest(ctx, requestTimeout, http.MethodPost, "/prompt", "application/json", data)
	if err != nil {
		return nil, err
	}

	if status == http.StatusBadRequest {
		slog.Error("ComfyUI rejected the workflow", "body", string(body))
		return nil, c.promptValidationError(ctx, body)
	}
	if !isSuccess(status) {
		return nil, &HTTPStatusError{Method: http.MethodPost, Path: "/prompt", StatusCode: status, Body: string(body)}
	}

	item := &QueueItem{}
	if err := json.Unmarshal(body, item); err != nil {
		return nil, err
	}
	if item.PromptID == "" {
		return nil, fmt.Errorf("missing 'prompt_id' in queue response: %s", string(body))
	}
	slog.Info("queued workflow", "prompt_id", item.PromptID)
	return item, nil
}

func (c *ComfyClient) promptValidationError(ctx context.Context, body []byte) error {
	verr := &PromptValidationError{
		Message: "Workflow validation failed",
		Raw:     string(body),
	}

	perror := &PromptErrorMessage{}
	if err := json.Unmarshal(body, perror); err != nil {
		return verr
	}

	if len(perror.Error) > 0 {
		var obj PromptError
		var str string
		if err := json.Unmarshal(perror.Error, &obj); err == nil {
			if obj.Message != "" && obj.Type != "prompt_outputs_failed_validation" {
				verr.Message = obj.Message
			}
		} else if err := json.Unmarshal(perror.Error, &str); err == nil && str != "" {
			verr.Message = str
		}
	}

	for _, nodeID := range sortedKeys(perror.NodeErrors) {
		nerr := perror.NodeErrors[nodeID]
		for _, e := range nerr.Errors {
			detail := fmt.Sprintf("Node %s (%s): %s", nodeID, e.Type, e.Message)
			if e.Details != "" {
				detail += ": " + e.Details
			}
			verr.Details = append(verr.Details, detail)
			if strings.Contains(detail, "not in list") && strings.Contains(detail, "ckpt_name") {
				verr.MissingModel = true
			}
		}
	}

	if verr.MissingModel {
		models, err := c.AvailableModels(ctx)
		if err != nil {
			slog.Warn("could not list available models", "error", err)
		}
		verr.AvailableCheckpoints = models
	}
	return verr
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// node ids are numeric strings; shorter ids sort first
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Interrupt stops the prompt that is currently executing
func (c *ComfyClient) Interrupt(ctx context.Context) error {
	status, body, err := c.doRequest(ctx, requestTimeout, http.MethodPost, "/interrupt", "application/json", []byte("{}"))
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return &HTTPStatusError{Method: http.MethodPost, Path: "/interrupt", StatusCode: status, Body: string(body)}
	}
	return nil
}

// IsStatusError reports whether err is an HTTP error status returned by ComfyUI
func IsStatusError(err error) bool {
	var herr *HTTPStatusError
	return errors.As(err, &herr)
}
