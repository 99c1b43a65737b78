package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	serverBaseAddress string
	httpclient        *http.Client
}

// NewComfyClient creates a client for the ComfyUI server at host:port.
// A leading "http://" is accepted and stripped.
func NewComfyClient(server_address string) *ComfyClient {
	sbaseaddr := strings.TrimSuffix(strings.TrimPrefix(server_address, "http://"), "/")
	return &ComfyClient{
		serverBaseAddress: sbaseaddr,
		httpclient:        &http.Client{},
	}
}

// ServerAddress returns the host:port of the ComfyUI server
func (c *ComfyClient) ServerAddress() string {
	return c.serverBaseAddress
}

// BaseURL returns the HTTP root of the ComfyUI server
func (c *ComfyClient) BaseURL() string {
	return "http://" + c.serverBaseAddress
}

// WebSocketURL returns the websocket endpoint that reports execution status for clientID
func (c *ComfyClient) WebSocketURL(clientID string) string {
	return fmt.Sprintf("ws://%s/ws?clientId=%s", c.serverBaseAddress, url.QueryEscape(clientID))
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

// doRequest issues a request bounded by timeout and returns the status code and the full body.
// Transport failures are returned as errors; HTTP error statuses are left to the caller.
func (c *ComfyClient) doRequest(ctx context.Context, timeout time.Duration, method string, path string, contentType string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// HTTPStatusError is returned when ComfyUI answers with a non-2xx status
type HTTPStatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}
