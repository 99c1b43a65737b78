package client

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// newUploadServer accepts /upload/image requests and echoes the uploaded filename
func newUploadServer(t *testing.T, calls *atomic.Int32, received *atomic.Value) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/upload/image" {
			t.Errorf("Unexpected request %s", r.URL.Path)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("Missing image part: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if received != nil {
			received.Store(string(data))
		}
		if r.FormValue("overwrite") != "true" {
			t.Errorf("Expected overwrite=true, got %q", r.FormValue("overwrite"))
		}
		w.Write([]byte(`{"name":"` + header.Filename + `","subfolder":"","type":"input"}`))
	}))
}

func TestUploadImagesEmpty(t *testing.T) {
	var calls atomic.Int32
	srv := newUploadServer(t, &calls, nil)
	defer srv.Close()

	c := NewComfyClient(srv.URL)
	out := c.UploadImages(context.Background(), nil)
	if out.Status != UploadStatusSuccess {
		t.Errorf("Expected success, got %s", out.Status)
	}
	if out.Message != "No images to upload" {
		t.Errorf("Unexpected message %q", out.Message)
	}
	if out.Details == nil || len(out.Details) != 0 {
		t.Errorf("Expected empty details, got %v", out.Details)
	}
	if calls.Load() != 0 {
		t.Errorf("Expected no requests, got %d", calls.Load())
	}
}

func TestUploadImagesSuccessWithDataURI(t *testing.T) {
	var calls atomic.Int32
	var received atomic.Value
	srv := newUploadServer(t, &calls, &received)
	defer srv.Close()

	payload := base64.StdEncoding.EncodeToString([]byte("abc"))
	images := []InputImage{{Name: "x.png", Image: "data:image/png;base64," + payload}}

	c := NewComfyClient(srv.URL)
	out := c.UploadImages(context.Background(), images)
	if out.Status != UploadStatusSuccess {
		t.Fatalf("Expected success, got %s (%v)", out.Status, out.Details)
	}
	if out.Message != "All images uploaded successfully" {
		t.Errorf("Unexpected message %q", out.Message)
	}
	if len(out.Details) != 1 {
		t.Errorf("Expected one detail, got %v", out.Details)
	}
	if received.Load() != "abc" {
		t.Errorf("Expected decoded payload abc, got %v", received.Load())
	}
}

func TestUploadImagesDecodeErrorSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := newUploadServer(t, &calls, nil)
	defer srv.Close()

	c := NewComfyClient(srv.URL)
	out := c.UploadImages(context.Background(), []InputImage{{Name: "x.png", Image: "not_base64!!!"}})
	if out.Status != UploadStatusError {
		t.Errorf("Expected error, got %s", out.Status)
	}
	if out.Message != "Some images failed to upload" {
		t.Errorf("Unexpected message %q", out.Message)
	}
	if len(out.Details) != 1 || !strings.HasPrefix(out.Details[0], "Error decoding base64 for x.png") {
		t.Errorf("Unexpected details %v", out.Details)
	}
	if calls.Load() != 0 {
		t.Errorf("Expected no requests, got %d", calls.Load())
	}
}

func TestUploadImagesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	payload := base64.StdEncoding.EncodeToString([]byte("abc"))
	c := NewComfyClient(url)
	out := c.UploadImages(context.Background(), []InputImage{{Name: "x.png", Image: payload}})
	if out.Status != UploadStatusError {
		t.Errorf("Expected error, got %s", out.Status)
	}
	if out.Message != "Some images failed to upload" {
		t.Errorf("Unexpected message %q", out.Message)
	}
	if len(out.Details) != 1 || !strings.HasPrefix(out.Details[0], "Error uploading x.png") {
		t.Errorf("Unexpected details %v", out.Details)
	}
}

func TestUploadImagesPartialFailureIsError(t *testing.T) {
	var calls atomic.Int32
	srv := newUploadServer(t, &calls, nil)
	defer srv.Close()

	good := base64.StdEncoding.EncodeToString([]byte("abc"))
	images := []InputImage{
		{Name: "good.png", Image: good},
		{Name: "bad.png", Image: "%%%"},
	}

	c := NewComfyClient(srv.URL)
	out := c.UploadImages(context.Background(), images)
	if out.Status != UploadStatusError {
		t.Errorf("Expected error, got %s", out.Status)
	}
	if len(out.Details) != 2 {
		t.Fatalf("Expected two details, got %v", out.Details)
	}
	if out.Details[0] != "Successfully uploaded good.png" {
		t.Errorf("Unexpected first detail %q", out.Details[0])
	}
	if calls.Load() != 1 {
		t.Errorf("Expected one request, got %d", calls.Load())
	}
}

func TestUploadFileFromReaderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewComfyClient(srv.URL)
	_, err := c.UploadFileFromReader(context.Background(), strings.NewReader("abc"), "x.png", true, InputImageType, "")
	if !IsStatusError(err) {
		t.Fatalf("Expected HTTPStatusError, got %v", err)
	}
}

func TestUploadImagesAcceptsBareSuccessResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewComfyClient(srv.URL)
	out := c.UploadImages(context.Background(), []InputImage{{Name: "x.png", Image: "YWJj"}})
	if out.Status != UploadStatusSuccess {
		t.Fatalf("Expected success, got %s (%v)", out.Status, out.Details)
	}
	if len(out.Details) != 1 || out.Details[0] != "Successfully uploaded x.png" {
		t.Errorf("Unexpected details %v", out.Details)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected one request, got %d", calls.Load())
	}

	name, err := c.UploadFileFromReader(context.Background(), strings.NewReader("abc"), "y.png", true, InputImageType, "")
	if err != nil {
		t.Fatalf("UploadFileFromReader failed: %v", err)
	}
	if name != "y.png" {
		t.Errorf("Expected requested name to be kept, got %q", name)
	}
}

func TestDecodeImage(t *testing.T) {
	tests := []struct {
		name    string
		image   string
		want    string
		wantErr bool
	}{
		{"plain", "YWJj", "abc", false},
		{"data uri", "data:image/png;base64,YWJj", "abc", false},
		{"comma in plain value", "abc,YWJj", "", true},
		{"data uri without payload", "data:image/png;base64", "", true},
		{"invalid", "***", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeImage(tt.image)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected an error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeImage failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestUploadImagesCommaInPlainValueSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := newUploadServer(t, &calls, nil)
	defer srv.Close()

	c := NewComfyClient(srv.URL)
	out := c.UploadImages(context.Background(), []InputImage{{Name: "x.png", Image: "abc,YWJj"}})
	if out.Status != UploadStatusError {
		t.Errorf("Expected error, got %s", out.Status)
	}
	if calls.Load() != 0 {
		t.Errorf("Expected no requests, got %d", calls.Load())
	}
}
