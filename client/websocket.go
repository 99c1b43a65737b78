package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn
	MaxRetry     int
	// RetryDelay is the fixed pause between reconnect attempts
	RetryDelay time.Duration
	// Trace logs every received frame at debug level
	Trace  bool
	Dialer websocket.Dialer
	// ServerCheck is consulted before each reconnect attempt; an error aborts reconnecting
	ServerCheck func(ctx context.Context) error
	mu          sync.Mutex // For thread-safe access to the WebSocket connection
}

// NewWebSocketConnection prepares a status connection for clientID. Call Connect to dial it.
func (c *ComfyClient) NewWebSocketConnection(clientID string, maxRetry int, retryDelay time.Duration) *WebSocketConnection {
	return &WebSocketConnection{
		WebSocketURL: c.WebSocketURL(clientID),
		MaxRetry:     maxRetry,
		RetryDelay:   retryDelay,
		Dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		ServerCheck: func(ctx context.Context) error {
			status := c.ServerStatus(ctx)
			if !status.Reachable {
				return fmt.Errorf("%w (%s)", ErrServerUnreachable, status)
			}
			return nil
		},
	}
}

// Connect dials the websocket, replacing any previous connection
func (w *WebSocketConnection) Connect(ctx context.Context) error {
	conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.Conn
	w.Conn = conn
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Reconnect re-dials after the connection was lost with cause. The HTTP server is
// checked before every attempt so a dead ComfyUI fails fast instead of exhausting retries.
func (w *WebSocketConnection) Reconnect(ctx context.Context, cause error) error {
	lastErr := cause
	for attempt := 1; attempt <= w.MaxRetry; attempt++ {
		if w.ServerCheck != nil {
			if err := w.ServerCheck(ctx); err != nil {
				return fmt.Errorf("websocket reconnect aborted: %w", err)
			}
		}

		slog.Info("reconnecting websocket", "attempt", attempt, "max", w.MaxRetry)
		err := w.Connect(ctx)
		if err == nil {
			slog.Info("websocket reconnected")
			return nil
		}
		slog.Warn("websocket reconnect failed", "attempt", attempt, "error", err)
		lastErr = err

		if attempt < w.MaxRetry {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.RetryDelay):
			}
		}
	}
	return fmt.Errorf("websocket connection closed and failed to reconnect after %d attempts: %w", w.MaxRetry, lastErr)
}

// ReadMessage blocks until the next frame arrives on the current connection
func (w *WebSocketConnection) ReadMessage() (int, []byte, error) {
	w.mu.Lock()
	conn := w.Conn
	w.mu.Unlock()
	if conn == nil {
		return 0, nil, fmt.Errorf("websocket is not connected")
	}

	mt, data, err := conn.ReadMessage()
	if err == nil && w.Trace {
		slog.Debug("websocket frame", "type", mt, "data", string(data))
	}
	return mt, data, err
}

// Close closes the current connection. It is safe to call while a read is blocked.
func (w *WebSocketConnection) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Conn == nil {
		return nil
	}
	err := w.Conn.Close()
	w.Conn = nil
	return err
}
