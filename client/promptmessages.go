package client

// our cast of characters:
// started
// executing
// progress
// data

type PromptMessageStarted struct {
	PromptID string `json:"prompt_id"`
}

type PromptMessageExecuting struct {
	NodeID string
}

type PromptMessageProgress struct {
	NodeID string
	Max    int
	Value  int
}

type PromptMessageData struct {
	NodeID string
	Data   map[string][]DataOutput
}
