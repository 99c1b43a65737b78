package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/richinsley/comfy2go-worker/client"
)

const (
	OutputTypeBase64 = "base64"
	OutputTypeS3URL  = "s3_url"

	StatusSuccessNoImages = "success_no_images"
)

type OutputImage struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

// Result is what a job hands back to the platform. A failed job has Error set and
// optionally Details; a successful one has Images, possibly alongside Errors for
// outputs that could not be delivered.
type Result struct {
	Images  []OutputImage
	Errors  []string
	Status  string
	Error   string
	Details []string
}

func errorResult(msg string, details ...string) *Result {
	return &Result{Error: msg, Details: details}
}

// Failed reports whether the job produced no usable result
func (r *Result) Failed() bool {
	return r.Error != ""
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{})
	if r.Error != "" {
		out["error"] = r.Error
		if len(r.Details) > 0 {
			out["details"] = r.Details
		}
		return json.Marshal(out)
	}

	images := r.Images
	if images == nil {
		images = []OutputImage{}
	}
	out["images"] = images
	if len(r.Errors) > 0 {
		out["errors"] = r.Errors
	}
	if r.Status != "" {
		out["status"] = r.Status
	}
	return json.Marshal(out)
}

func finalResult(images []OutputImage, errs []string) *Result {
	if len(images) == 0 {
		if len(errs) > 0 {
			return errorResult("Job processing failed", errs...)
		}
		return &Result{Status: StatusSuccessNoImages, Images: []OutputImage{}}
	}
	return &Result{Images: images, Errors: errs}
}

// collectOutputs fetches every non-temp image of a finished prompt and converts it to
// an OutputImage. Problems with individual images are returned as messages.
func (h *Handler) collectOutputs(ctx context.Context, jobID string, item client.PromptHistoryItem) ([]OutputImage, []string) {
	var images []OutputImage
	var errs []string

	for _, nodeID := range slices.Sorted(maps.Keys(item.Outputs)) {
		output := item.Outputs[nodeID]
		for _, img := range output.Images {
			if img.Type == string(client.TempImageType) {
				slog.Debug("skipping temp image", "node", nodeID, "filename", img.Filename)
				continue
			}
			if img.Filename == "" {
				errs = append(errs, fmt.Sprintf("Skipping image in node %s due to missing filename: %+v", nodeID, img))
				continue
			}

			data, err := h.client.GetImage(ctx, img)
			if err != nil {
				slog.Error("error fetching image", "filename", img.Filename, "error", err)
				errs = append(errs, fmt.Sprintf("Failed to fetch image data for %s from /view endpoint.", img.Filename))
				continue
			}

			out, err := h.deliver(ctx, jobID, img.Filename, data)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			images = append(images, out)
		}

		if len(output.OtherKeys) > 0 {
			slog.Warn("node produced unhandled output keys", "node", nodeID, "keys", output.OtherKeys)
		}
	}
	return images, errs
}

func (h *Handler) deliver(ctx context.Context, jobID string, filename string, data []byte) (OutputImage, error) {
	if h.uploader == nil {
		return OutputImage{
			Filename: filename,
			Type:     OutputTypeBase64,
			Data:     base64.StdEncoding.EncodeToString(data),
		}, nil
	}

	url, err := h.uploader.UploadImage(ctx, jobID, filename, data)
	if err != nil {
		slog.Error("error uploading image to bucket", "filename", filename, "error", err)
		return OutputImage{}, fmt.Errorf("Error uploading %s to S3: %v", filename, err)
	}
	return OutputImage{
		Filename: filename,
		Type:     OutputTypeS3URL,
		Data:     url,
	}, nil
}
