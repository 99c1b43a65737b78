package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/richinsley/comfy2go-worker/client"
)

// Validation failures. The messages are returned verbatim to the job's caller.
var (
	ErrNoInput         = errors.New("Please provide input")
	ErrInvalidJSON     = errors.New("Invalid JSON format in input")
	ErrMissingWorkflow = errors.New("Missing 'workflow' parameter")
	ErrInvalidImages   = errors.New("'images' must be a list of objects with 'name' and 'image' keys")
)

type rawKind int

const (
	rawNone rawKind = iota
	rawString
	rawObject
	rawOther
)

// RawInput is a job input as delivered by the platform: nothing at all, a JSON document
// encoded in a string, or an object. ValidateInput resolves it to a JobInput.
type RawInput struct {
	kind rawKind
	str  string
	obj  map[string]json.RawMessage
}

func RawString(s string) RawInput {
	return RawInput{kind: rawString, str: s}
}

func RawObject(obj map[string]json.RawMessage) RawInput {
	return RawInput{kind: rawObject, obj: obj}
}

// RawFromJSON classifies a JSON value. null and empty data mean no input.
func RawFromJSON(data []byte) RawInput {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return RawInput{}
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return RawString(s)
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err == nil {
			return RawObject(obj)
		}
	}
	return RawInput{kind: rawOther}
}

func (r *RawInput) UnmarshalJSON(b []byte) error {
	*r = RawFromJSON(b)
	return nil
}

// JobInput is a validated job input. Images and ComfyOrgAPIKey are nil when absent.
type JobInput struct {
	Workflow       json.RawMessage     `json:"workflow"`
	Images         []client.InputImage `json:"images"`
	ComfyOrgAPIKey *string             `json:"comfy_org_api_key"`
}

type imageEntry struct {
	Name  *string `json:"name" validate:"required"`
	Image *string `json:"image" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// object resolves the raw input to its top-level members
func (r RawInput) object() (map[string]json.RawMessage, error) {
	switch r.kind {
	case rawNone:
		return nil, ErrNoInput
	case rawString:
		if strings.TrimSpace(r.str) == "" {
			return nil, ErrNoInput
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(r.str), &obj); err != nil || obj == nil {
			return nil, ErrInvalidJSON
		}
		return obj, nil
	case rawObject:
		if r.obj == nil {
			return nil, ErrNoInput
		}
		return r.obj, nil
	default:
		return nil, ErrInvalidJSON
	}
}

// ValidateInput checks a raw job input. Checks run in a fixed order and the first
// failure is returned: no input, unparsable JSON, missing workflow, malformed images.
func ValidateInput(raw RawInput) (*JobInput, error) {
	obj, err := raw.object()
	if err != nil {
		return nil, err
	}

	workflow, ok := obj["workflow"]
	if !ok || isNull(workflow) {
		return nil, ErrMissingWorkflow
	}

	input := &JobInput{Workflow: workflow}

	if v, ok := obj["images"]; ok && !isNull(v) {
		var entries []imageEntry
		if err := json.Unmarshal(v, &entries); err != nil {
			return nil, ErrInvalidImages
		}
		input.Images = make([]client.InputImage, 0, len(entries))
		for _, e := range entries {
			if err := validate.Struct(e); err != nil {
				return nil, ErrInvalidImages
			}
			input.Images = append(input.Images, client.InputImage{Name: *e.Name, Image: *e.Image})
		}
	}

	if v, ok := obj["comfy_org_api_key"]; ok && !isNull(v) {
		var key string
		if err := json.Unmarshal(v, &key); err != nil {
			slog.Warn("ignoring non-string comfy_org_api_key")
		} else {
			input.ComfyOrgAPIKey = &key
		}
	}

	return input, nil
}
