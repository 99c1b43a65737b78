package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// UploadFileFromReader uploads a single file to /upload/image and returns the name the
// server stored it under, which may differ from filename.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	// Create a buffer to store the request body
	var requestBody bytes.Buffer

	// Create a multipart writer to wrap the file (like FormData)
	writer := multipart.NewWriter(&requestBody)

	// the form-file carries the sniffed content type rather than application/octet-stream
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", mimetype.Detect(data).String())
	formFile, err := writer.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err = formFile.Write(data); err != nil {
		return "", err
	}

	_ = writer.WriteField("overwrite", fmt.Sprintf("%v", overwrite))
	_ = writer.WriteField("type", fmt.Sprintf("%v", filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}

	// Close the writer to finalize the body content
	if err := writer.Close(); err != nil {
		return "", err
	}

	status, body, err := c.doRequest(ctx, requestTimeout, http.MethodPost, "/upload/image", writer.FormDataContentType(), requestBody.Bytes())
	if err != nil {
		return "", err
	}
	if !isSuccess(status) {
		return "", &HTTPStatusError{Method: http.MethodPost, Path: "/upload/image", StatusCode: status, Body: string(body)}
	}

	// the server accepted the file; an unreadable answer only costs us the stored name
	var resp struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Name == "" {
		slog.Warn("upload response carries no name, assuming the requested one", "filename", filename, "body", string(body))
		return filename, nil
	}

	// return the actual name that was chosen from the server side
	return resp.Name, nil
}

// decodeImage strips an optional data URI prefix and decodes the base64 payload
func decodeImage(image string) ([]byte, error) {
	payload := image
	if strings.HasPrefix(image, "data:") {
		_, after, ok := strings.Cut(image, ",")
		if !ok {
			return nil, fmt.Errorf("data URI has no payload")
		}
		payload = after
	}
	return base64.StdEncoding.DecodeString(payload)
}

// UploadImages uploads each job image into ComfyUI's input folder, in order.
// Every image is decoded before any request is made for it; an image that fails to
// decode is recorded and skipped without touching the network.
func (c *ComfyClient) UploadImages(ctx context.Context, images []InputImage) *UploadResult {
	if len(images) == 0 {
		return &UploadResult{
			Status:  UploadStatusSuccess,
			Message: "No images to upload",
			Details: []string{},
		}
	}

	details := make([]string, 0, len(images))
	failed := false

	slog.Info("uploading images", "count", len(images))
	for _, img := range images {
		blob, err := decodeImage(img.Image)
		if err != nil {
			slog.Error("error decoding base64", "name", img.Name, "error", err)
			details = append(details, fmt.Sprintf("Error decoding base64 for %s: %v", img.Name, err))
			failed = true
			continue
		}

		if _, err := c.UploadFileFromReader(ctx, bytes.NewReader(blob), img.Name, true, InputImageType, ""); err != nil {
			slog.Error("error uploading image", "name", img.Name, "error", err)
			details = append(details, fmt.Sprintf("Error uploading %s: %v", img.Name, err))
			failed = true
			continue
		}
		details = append(details, fmt.Sprintf("Successfully uploaded %s", img.Name))
	}

	if failed {
		return &UploadResult{
			Status:  UploadStatusError,
			Message: "Some images failed to upload",
			Details: details,
		}
	}
	return &UploadResult{
		Status:  UploadStatusSuccess,
		Message: "All images uploaded successfully",
		Details: details,
	}
}
