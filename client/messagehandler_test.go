package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// fakeComfy serves the HTTP root, a history route and a /ws endpoint. Each websocket
// connection is handed to script together with its 1-based index.
type fakeComfy struct {
	srv         *httptest.Server
	connections atomic.Int32
	rootStatus  atomic.Int32
	history     atomic.Value
	script      func(f *fakeComfy, n int, conn *websocket.Conn)
}

func newFakeComfy(t *testing.T, script func(f *fakeComfy, n int, conn *websocket.Conn)) *fakeComfy {
	f := &fakeComfy{script: script}
	f.rootStatus.Store(http.StatusOK)
	f.history.Store(`{}`)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(f.rootStatus.Load()))
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.history.Load().(string)))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("clientId") == "" {
			t.Errorf("Missing clientId on websocket request")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		f.script(f, int(f.connections.Add(1)), conn)
	})
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeComfy) Close() {
	f.srv.Close()
}

func (f *fakeComfy) connect(t *testing.T) (*ComfyClient, *WebSocketConnection) {
	t.Helper()
	c := NewComfyClient(f.srv.URL)
	ws := c.NewWebSocketConnection("test-client", 2, 10*time.Millisecond)
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return c, ws
}

func writeAll(conn *websocket.Conn, messages ...string) {
	for _, m := range messages {
		conn.WriteMessage(websocket.TextMessage, []byte(m))
	}
}

// drain keeps the server side open until the client goes away
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestWaitForPromptCompletes(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		writeAll(conn,
			`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}}}`,
			`{"type": "execution_start", "data": {"prompt_id": "p1"}}`,
			`{"type": "executing", "data": {"node": "3", "prompt_id": "p1"}}`,
			`{"type": "progress", "data": {"value": 1, "max": 20, "prompt_id": "p1", "node": "3"}}`,
			`{"type": "executing", "data": {"node": null, "prompt_id": "other"}}`,
			`{"type": "crystools.monitor", "data": {"cpu_utilization": 3}}`,
			`not json`,
		)
		conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2})
		writeAll(conn,
			`{"type": "executed", "data": {"node": "9", "output": {"images": [{"filename": "out.png", "subfolder": "", "type": "output"}], "text": ["hi"]}, "prompt_id": "p1"}}`,
			`{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`,
		)
		drain(conn)
	})
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	var queue []int
	var started, executing []string
	var progress []PromptMessageProgress
	var data []*PromptMessageData
	handlers := &MessageHandlers{
		OnQueueCountChanged: func(n int) { queue = append(queue, n) },
		OnStarted:           func(m *PromptMessageStarted) { started = append(started, m.PromptID) },
		OnExecuting:         func(m *PromptMessageExecuting) { executing = append(executing, m.NodeID) },
		OnProgress:          func(m *PromptMessageProgress) { progress = append(progress, *m) },
		OnData:              func(m *PromptMessageData) { data = append(data, m) },
	}

	if err := c.WaitForPrompt(context.Background(), ws, "p1", handlers); err != nil {
		t.Fatalf("WaitForPrompt failed: %v", err)
	}

	if len(queue) != 1 || queue[0] != 1 {
		t.Errorf("Unexpected queue updates %v", queue)
	}
	compareStrings(t, []string{"p1"}, started)
	compareStrings(t, []string{"3"}, executing)
	if len(progress) != 1 || progress[0].NodeID != "3" || progress[0].Max != 20 {
		t.Errorf("Unexpected progress %+v", progress)
	}
	if len(data) != 1 || data[0].NodeID != "9" {
		t.Fatalf("Unexpected data %+v", data)
	}
	if imgs := data[0].Data["images"]; len(imgs) != 1 || imgs[0].Filename != "out.png" {
		t.Errorf("Unexpected images %+v", data[0].Data)
	}
	if _, ok := data[0].Data["text"]; ok {
		t.Error("Expected text output to be dropped")
	}
}

func TestWaitForPromptExecutionSuccess(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		writeAll(conn, `{"type": "execution_success", "data": {"prompt_id": "p1", "timestamp": 1}}`)
		drain(conn)
	})
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	if err := c.WaitForPrompt(context.Background(), ws, "p1", nil); err != nil {
		t.Fatalf("WaitForPrompt failed: %v", err)
	}
}

func TestWaitForPromptDataHandler(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		writeAll(conn,
			`{"type": "executed", "data": {"node": "9", "output": {"images": [{"filename": "a.png", "subfolder": "", "type": "output"}]}, "prompt_id": "p1"}}`,
			`{"type": "executed", "data": {"node": "4", "output": {"images": [{"filename": "b.png", "subfolder": "", "type": "output"}]}, "prompt_id": "other"}}`,
			`{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`,
		)
		drain(conn)
	})
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	var files []string
	handlers := DefaultMessageHandlers().WithDataHandler(func(d *PromptMessageData) {
		for _, img := range d.Data["images"] {
			files = append(files, d.NodeID+"/"+img.Filename)
		}
	})
	if err := c.WaitForPrompt(context.Background(), ws, "p1", handlers); err != nil {
		t.Fatalf("WaitForPrompt failed: %v", err)
	}
	compareStrings(t, []string{"9/a.png"}, files)
}

func TestWaitForPromptExecutionError(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		writeAll(conn,
			`{"type": "execution_error", "data": {"prompt_id": "other", "node_id": "1", "node_type": "X", "exception_message": "ignored"}}`,
			`{"type": "execution_error", "data": {"prompt_id": "p1", "node_id": "7", "node_type": "KSampler", "exception_message": "out of memory", "exception_type": "RuntimeError", "traceback": ["line"]}}`,
		)
		drain(conn)
	})
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	err := c.WaitForPrompt(context.Background(), ws, "p1", nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected ExecutionError, got %v", err)
	}
	if execErr.NodeID != "7" || execErr.NodeType != "KSampler" || execErr.ExceptionType != "RuntimeError" {
		t.Errorf("Unexpected execution error %+v", execErr)
	}
	expected := "Workflow execution error: Node Type: KSampler, Node ID: 7, Message: out of memory"
	if execErr.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, execErr.Error())
	}
}

func TestWaitForPromptInterrupted(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		writeAll(conn, `{"type": "execution_interrupted", "data": {"prompt_id": "p1", "node_id": "19", "node_type": "SaveImage", "executed": []}}`)
		drain(conn)
	})
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	err := c.WaitForPrompt(context.Background(), ws, "p1", nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || !execErr.Interrupted {
		t.Fatalf("Expected interrupted ExecutionError, got %v", err)
	}
}

func TestWaitForPromptReconnects(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		if n == 1 {
			// drop the first connection without a close frame
			conn.UnderlyingConn().Close()
			return
		}
		writeAll(conn, `{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`)
		drain(conn)
	})
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	if err := c.WaitForPrompt(context.Background(), ws, "p1", nil); err != nil {
		t.Fatalf("WaitForPrompt failed: %v", err)
	}
	if f.connections.Load() != 2 {
		t.Errorf("Expected 2 connections, got %d", f.connections.Load())
	}
}

func TestWaitForPromptCompletedWhileDisconnected(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		if n == 1 {
			conn.UnderlyingConn().Close()
			return
		}
		drain(conn)
	})
	f.history.Store(`{"p1": {"outputs": {}, "status": {"status_str": "success", "completed": true}}}`)
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	if err := c.WaitForPrompt(context.Background(), ws, "p1", nil); err != nil {
		t.Fatalf("WaitForPrompt failed: %v", err)
	}
}

func TestWaitForPromptFailedWhileDisconnected(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		if n == 1 {
			conn.UnderlyingConn().Close()
			return
		}
		drain(conn)
	})
	f.history.Store(`{"p1": {"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [
		["execution_start", {"prompt_id": "p1", "timestamp": 1}],
		["execution_error", {"prompt_id": "p1", "node_id": "7", "node_type": "KSampler", "exception_message": "out of memory", "exception_type": "RuntimeError", "traceback": []}]
	]}}}`)
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.WaitForPrompt(ctx, ws, "p1", nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected ExecutionError, got %v", err)
	}
	expected := "Workflow execution error: Node Type: KSampler, Node ID: 7, Message: out of memory"
	if execErr.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, execErr.Error())
	}
}

func TestWaitForPromptInterruptedWhileDisconnected(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		if n == 1 {
			conn.UnderlyingConn().Close()
			return
		}
		drain(conn)
	})
	f.history.Store(`{"p1": {"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [
		["execution_interrupted", {"prompt_id": "p1", "node_id": "19", "node_type": "SaveImage", "executed": []}]
	]}}}`)
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.WaitForPrompt(ctx, ws, "p1", nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || !execErr.Interrupted || execErr.NodeID != "19" {
		t.Fatalf("Expected interrupted ExecutionError, got %v", err)
	}
}

func TestHistoryItemExecutionError(t *testing.T) {
	var ok PromptHistoryItem
	if err := json.Unmarshal([]byte(`{"outputs": {}, "status": {"status_str": "success", "completed": true}}`), &ok); err != nil {
		t.Fatal(err)
	}
	if ok.ExecutionError("p") != nil {
		t.Error("Expected no error for a successful prompt")
	}

	var failed PromptHistoryItem
	if err := json.Unmarshal([]byte(`{"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [["bogus"]]}}`), &failed); err != nil {
		t.Fatal(err)
	}
	execErr := failed.ExecutionError("p")
	if execErr == nil {
		t.Fatal("Expected an error for a failed prompt")
	}
	if execErr.Error() != "Workflow execution error: prompt finished with status error" {
		t.Errorf("Unexpected message %q", execErr.Error())
	}
}

func TestWaitForPromptAbortsWhenServerDown(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		f.rootStatus.Store(http.StatusInternalServerError)
		conn.UnderlyingConn().Close()
	})
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	err := c.WaitForPrompt(context.Background(), ws, "p1", nil)
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("Expected ErrServerUnreachable, got %v", err)
	}
	if f.connections.Load() != 1 {
		t.Errorf("Expected no reconnect attempts, got %d connections", f.connections.Load())
	}
}

func TestWaitForPromptContextCancel(t *testing.T) {
	f := newFakeComfy(t, func(f *fakeComfy, n int, conn *websocket.Conn) {
		drain(conn)
	})
	defer f.Close()

	c, ws := f.connect(t)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.WaitForPrompt(ctx, ws, "p1", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestStatusMessageDecoding(t *testing.T) {
	msg := &WSStatusMessage{}
	if err := msg.UnmarshalJSON([]byte(`{"type": "executing", "data": {"node": "57:8", "display_node": "57", "prompt_id": "p"}}`)); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	exec, ok := msg.Data.(*WSMessageDataExecuting)
	if !ok {
		t.Fatalf("Unexpected data type %T", msg.Data)
	}
	if exec.Node == nil || *exec.Node != "57:8" {
		t.Errorf("Unexpected node %v", exec.Node)
	}

	msg = &WSStatusMessage{}
	if err := msg.UnmarshalJSON([]byte(`{"type": "progress_state", "data": {"nodes": {}}}`)); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Data != nil {
		t.Errorf("Expected nil data for unknown type, got %T", msg.Data)
	}
}
