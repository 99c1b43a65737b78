package client

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"
)

// MessageHandlers defines optional callback functions for the status messages of a
// prompt being waited on. All handlers are optional.
type MessageHandlers struct {
	// OnQueueCountChanged is called with the server's remaining queue size
	OnQueueCountChanged func(int)

	// OnStarted is called when execution begins
	OnStarted func(*PromptMessageStarted)

	// OnExecuting is called when a node starts executing
	OnExecuting func(*PromptMessageExecuting)

	// OnProgress is called with progress updates during node execution
	OnProgress func(*PromptMessageProgress)

	// OnData is called when a node reports output files
	OnData func(*PromptMessageData)
}

// DefaultMessageHandlers logs started and executing messages
func DefaultMessageHandlers() *MessageHandlers {
	return &MessageHandlers{
		OnQueueCountChanged: func(remaining int) {
			slog.Debug("queue status", "queue_remaining", remaining)
		},
		OnStarted: func(msg *PromptMessageStarted) {
			slog.Info("Execution started", "prompt_id", msg.PromptID)
		},
		OnExecuting: func(msg *PromptMessageExecuting) {
			slog.Info("Executing node", "node_id", msg.NodeID)
		},
	}
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *MessageHandlers) WithProgressHandler(fn func(*PromptMessageProgress)) *MessageHandlers {
	h.OnProgress = fn
	return h
}

// WithDataHandler adds a data handler (builder pattern)
func (h *MessageHandlers) WithDataHandler(fn func(*PromptMessageData)) *MessageHandlers {
	h.OnData = fn
	return h
}

// WaitForPrompt reads status messages from ws until promptID finishes.
// It returns nil once ComfyUI reports the prompt done, an *ExecutionError if the
// prompt failed or was interrupted, and any error that ended the connection for good.
// A dropped connection is re-established through ws.Reconnect; if the prompt completed
// while the connection was down, its history entry ends the wait.
func (c *ComfyClient) WaitForPrompt(ctx context.Context, ws *WebSocketConnection, promptID string, handlers *MessageHandlers) error {
	if handlers == nil {
		handlers = &MessageHandlers{}
	}

	// unblock the read when the caller gives up
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("websocket connection closed unexpectedly, attempting to reconnect", "error", err)
			if rerr := ws.Reconnect(ctx, err); rerr != nil {
				return rerr
			}
			// the prompt may have ended while the socket was down
			if done, perr := c.promptOutcome(ctx, promptID); done {
				return perr
			}
			continue
		}

		// binary frames are latent previews
		if mt != websocket.TextMessage {
			continue
		}

		message := &WSStatusMessage{}
		if err := json.Unmarshal(data, message); err != nil {
			slog.Warn("Deserializing Status Message:", "error", err)
			continue
		}

		done, err := dispatchMessage(message, promptID, handlers)
		if done {
			return err
		}
	}
}

// dispatchMessage hands one message to handlers and reports whether promptID is finished
func dispatchMessage(message *WSStatusMessage, promptID string, handlers *MessageHandlers) (bool, error) {
	switch message.Type {
	case "status":
		s := message.Data.(*WSMessageDataStatus)
		if handlers.OnQueueCountChanged != nil {
			handlers.OnQueueCountChanged(s.Status.ExecInfo.QueueRemaining)
		}
	case "execution_start":
		s := message.Data.(*WSMessageDataExecutionStart)
		if s.PromptID == promptID && handlers.OnStarted != nil {
			handlers.OnStarted(&PromptMessageStarted{PromptID: s.PromptID})
		}
	case "executing":
		s := message.Data.(*WSMessageDataExecuting)
		if s.PromptID != promptID {
			return false, nil
		}
		if s.Node == nil {
			// final node was processed
			return true, nil
		}
		if handlers.OnExecuting != nil {
			handlers.OnExecuting(&PromptMessageExecuting{NodeID: *s.Node})
		}
	case "progress":
		s := message.Data.(*WSMessageDataProgress)
		// older servers omit prompt_id on progress
		if s.PromptID != "" && s.PromptID != promptID {
			return false, nil
		}
		if handlers.OnProgress != nil {
			handlers.OnProgress(&PromptMessageProgress{NodeID: s.Node, Value: s.Value, Max: s.Max})
		}
	case "executed":
		s := message.Data.(*WSMessageDataExecuted)
		if s.PromptID == promptID && handlers.OnData != nil {
			handlers.OnData(&PromptMessageData{NodeID: s.Node, Data: s.Output})
		}
	case "execution_success":
		s := message.Data.(*WSMessageDataExecutionSuccess)
		if s.PromptID == promptID {
			return true, nil
		}
	case "execution_interrupted":
		s := message.Data.(*WSMessageExecutionInterrupted)
		if s.PromptID == promptID {
			return true, &ExecutionError{
				PromptID:    s.PromptID,
				NodeID:      s.Node,
				NodeType:    s.NodeType,
				Interrupted: true,
			}
		}
	case "execution_error":
		s := message.Data.(*WSMessageExecutionError)
		if s.PromptID == promptID {
			slog.Error("execution error", "prompt_id", promptID, "node_id", s.Node, "node_type", s.NodeType, "error", s.ExceptionMessage)
			return true, &ExecutionError{
				PromptID:         s.PromptID,
				NodeID:           s.Node,
				NodeType:         s.NodeType,
				ExceptionMessage: s.ExceptionMessage,
				ExceptionType:    s.ExceptionType,
				Traceback:        s.Traceback,
			}
		}
	case "execution_cached":
	default:
		slog.Debug("Unhandled message type", "type", message.Type)
	}
	return false, nil
}

// promptOutcome looks promptID up in the history. ComfyUI records a prompt there only
// once it has finished, so an entry means done; a failed entry yields its *ExecutionError.
func (c *ComfyClient) promptOutcome(ctx context.Context, promptID string) (bool, error) {
	history, err := c.GetHistory(ctx, promptID)
	if err != nil {
		slog.Warn("could not check prompt history after reconnect", "prompt_id", promptID, "error", err)
		return false, nil
	}
	item, ok := history[promptID]
	if !ok {
		return false, nil
	}
	if execErr := item.ExecutionError(promptID); execErr != nil {
		slog.Error("prompt failed while the websocket was down", "prompt_id", promptID, "error", execErr)
		return true, execErr
	}
	return true, nil
}
