package client

import "encoding/json"

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID  string           `json:"client_id"`
	Workflow  json.RawMessage  `json:"prompt"`
	ExtraData *PromptExtraData `json:"extra_data,omitempty"`
}

type PromptExtraData struct {
	// APIKeyComfyOrg authenticates API nodes that call out to comfy.org
	APIKeyComfyOrg string `json:"api_key_comfy_org,omitempty"`
}

// QueueItem is ComfyUI's answer to a successfully queued prompt
type QueueItem struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}
