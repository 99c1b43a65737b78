package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// There may be other DataOutput types.  We definitely need a text type

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

// InputImage is an image supplied with a job, as raw base64 or a data URI
type InputImage struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

type UploadStatus string

const (
	UploadStatusSuccess UploadStatus = "success"
	UploadStatusError   UploadStatus = "error"
)

// UploadResult aggregates the outcome of uploading a batch of input images.
// Status is "error" as soon as any single image failed.
type UploadResult struct {
	Status  UploadStatus `json:"status"`
	Message string       `json:"message"`
	Details []string     `json:"details"`
}

// PromptHistoryItem is one entry of /history/{prompt_id}
type PromptHistoryItem struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
		// Messages replays the websocket events as [type, data] pairs
		Messages []json.RawMessage `json:"messages"`
	} `json:"status"`
}

// Failed reports whether the prompt ended with an error or was interrupted
func (h *PromptHistoryItem) Failed() bool {
	return h.Status.StatusStr == "error"
}

// ExecutionError rebuilds the failure of a prompt from its recorded messages.
// It returns nil for a prompt that did not fail.
func (h *PromptHistoryItem) ExecutionError(promptID string) *ExecutionError {
	if !h.Failed() {
		return nil
	}
	for _, raw := range h.Status.Messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(pair[0], &kind); err != nil {
			continue
		}
		switch kind {
		case "execution_error":
			var m WSMessageExecutionError
			if err := json.Unmarshal(pair[1], &m); err == nil {
				return &ExecutionError{
					PromptID:         promptID,
					NodeID:           m.Node,
					NodeType:         m.NodeType,
					ExceptionMessage: m.ExceptionMessage,
					ExceptionType:    m.ExceptionType,
					Traceback:        m.Traceback,
				}
			}
		case "execution_interrupted":
			var m WSMessageExecutionInterrupted
			if err := json.Unmarshal(pair[1], &m); err == nil {
				return &ExecutionError{
					PromptID:    promptID,
					NodeID:      m.Node,
					NodeType:    m.NodeType,
					Interrupted: true,
				}
			}
		}
	}
	return &ExecutionError{PromptID: promptID, ExceptionMessage: "prompt finished with status " + h.Status.StatusStr}
}

// NodeOutput holds the images a node produced. Any other output kinds are kept
// by key only so callers can report them.
type NodeOutput struct {
	Images    []DataOutput
	OtherKeys []string
}

func (n *NodeOutput) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if k == "images" {
			if err := json.Unmarshal(v, &n.Images); err != nil {
				return fmt.Errorf("decoding images output: %w", err)
			}
			continue
		}
		n.OtherKeys = append(n.OtherKeys, k)
	}
	sort.Strings(n.OtherKeys)
	return nil
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

// NodeError is the per-node entry of a rejected prompt's node_errors map
type NodeError struct {
	Errors           []PromptError `json:"errors"`
	DependentOutputs []string      `json:"dependent_outputs"`
	ClassType        string        `json:"class_type"`
}

type PromptErrorMessage struct {
	// Error is either a PromptError object or a bare string
	Error      json.RawMessage      `json:"error"`
	NodeErrors map[string]NodeError `json:"node_errors"`
	Type       string               `json:"type"`
}

// ErrServerUnreachable reports that the ComfyUI HTTP server did not answer a status check
var ErrServerUnreachable = errors.New("ComfyUI HTTP server is not reachable")

// PromptValidationError is returned when ComfyUI rejects a workflow with 400
type PromptValidationError struct {
	Message string
	Details []string
	// MissingModel is set when a checkpoint input referenced a model that is not installed
	MissingModel         bool
	AvailableCheckpoints []string
	Raw                  string
}

func (e *PromptValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s. Raw response: %s", e.Message, e.Raw)
	}

	var sb strings.Builder
	sb.WriteString(e.Message)
	sb.WriteString(":")
	for _, d := range e.Details {
		sb.WriteString("\n• ")
		sb.WriteString(d)
	}
	if e.MissingModel {
		sb.WriteString("\n\nThis usually means a required model or parameter is not available.")
		if len(e.AvailableCheckpoints) > 0 {
			sb.WriteString("\nAvailable checkpoint models: ")
			sb.WriteString(strings.Join(e.AvailableCheckpoints, ", "))
		} else {
			sb.WriteString("\nNo checkpoint models appear to be available. Please check your model installation.")
		}
	}
	return sb.String()
}

// ExecutionError is reported over the websocket when a queued prompt fails or is interrupted
type ExecutionError struct {
	PromptID         string
	NodeID           string
	NodeType         string
	ExceptionMessage string
	ExceptionType    string
	Traceback        []string
	Interrupted      bool
}

func (e *ExecutionError) Error() string {
	if e.Interrupted {
		return fmt.Sprintf("Workflow execution interrupted: Node Type: %s, Node ID: %s", e.NodeType, e.NodeID)
	}
	if e.NodeID == "" && e.NodeType == "" {
		return "Workflow execution error: " + e.ExceptionMessage
	}
	return fmt.Sprintf("Workflow execution error: Node Type: %s, Node ID: %s, Message: %s", e.NodeType, e.NodeID, e.ExceptionMessage)
}
