package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/egorvert/Sae/task"
)

// SSE event names.
const (
	SSEEventTaskUpdate = "task_update"
	SSEEventError      = "error"
	SSEEventHeartbeat  = "heartbeat"
)

// sseWriter frames Server-Sent Events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	eventID uint64
}

// startSSE writes the SSE headers. It fails when the writer cannot flush.
func startSSE(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// send writes one event. It returns an error if the client went away.
func (s *sseWriter) send(eventType string, data any) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	s.eventID++
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %d\ndata: %s\n\n", eventType, s.eventID, dataBytes); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// handleStream serves GET /a2a/stream/{id}.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	sse, err := startSSE(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub, err := s.tasks.Subscribe(r.Context(), taskID)
	if err != nil {
		s.logger.Debug("Stream requested for unknown task", "task_id", taskID, "error", err)
		_ = sse.send(SSEEventError, map[string]string{"error": fmt.Sprintf("Task %s not found", taskID)})
		return
	}

	s.logger.Info("SSE stream started", "task_id", taskID)
	s.pump(r.Context(), sse, sub, nil)
}

// handleSendSubscribe creates the task, subscribes before scheduling so the
// client sees every transition, then streams until the task ends.
func (s *Server) handleSendSubscribe(w http.ResponseWriter, r *http.Request, req *Request) {
	t, rpcErr := s.create(r.Context(), req.Params)
	if rpcErr != nil {
		s.writeRPC(w, req.ID, nil, rpcErr)
		return
	}

	sub, err := s.tasks.Subscribe(r.Context(), t.ID)
	if err != nil {
		s.writeRPC(w, req.ID, nil, taskError(err))
		return
	}
	defer sub.Close()

	if rpcErr := s.submit(t.ID); rpcErr != nil {
		s.writeRPC(w, req.ID, nil, rpcErr)
		return
	}

	sse, err := startSSE(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.pump(r.Context(), sse, sub, req.ID)
}

// handleResubscribe streams an existing task.
func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request, req *Request) {
	var params IDParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		s.writeRPC(w, req.ID, nil, rpcErr)
		return
	}
	if params.ID == "" {
		s.writeRPC(w, req.ID, nil, newError(CodeInvalidParams, "Invalid parameters: id is required"))
		return
	}

	sub, err := s.tasks.Subscribe(r.Context(), params.ID)
	if err != nil {
		s.writeRPC(w, req.ID, nil, taskError(err))
		return
	}
	defer sub.Close()

	sse, err := startSSE(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.pump(r.Context(), sse, sub, req.ID)
}

// pump forwards snapshots as task_update events until the stream ends, the
// client disconnects or the subscriber is dropped. A heartbeat is sent
// whenever no snapshot arrives within the heartbeat interval.
func (s *Server) pump(ctx context.Context, sse *sseWriter, sub *task.Subscription, id json.RawMessage) {
	defer sub.Close()

	for {
		wait, cancel := context.WithTimeout(ctx, s.config.Heartbeat)
		snap, err := sub.Next(wait)
		cancel()

		switch {
		case err == nil:
			resp := Response{JSONRPC: jsonrpcVersion, ID: id, Result: snapshotResult(snap)}
			if err := sse.send(SSEEventTaskUpdate, resp); err != nil {
				s.logger.Debug("Client disconnected during event", "task_id", sub.TaskID(), "error", err)
				return
			}
		case errors.Is(err, io.EOF):
			s.logger.Debug("SSE stream finished", "task_id", sub.TaskID())
			return
		case ctx.Err() != nil:
			s.logger.Debug("SSE client went away", "task_id", sub.TaskID())
			return
		case errors.Is(err, context.DeadlineExceeded):
			if err := sse.send(SSEEventHeartbeat, map[string]any{}); err != nil {
				s.logger.Debug("Client disconnected during heartbeat", "task_id", sub.TaskID(), "error", err)
				return
			}
		default:
			s.logger.Warn("Subscription ended", "task_id", sub.TaskID(), "error", err)
			resp := Response{JSONRPC: jsonrpcVersion, ID: id, Error: newError(CodeInternalError, "%s", err.Error())}
			_ = sse.send(SSEEventError, resp)
			return
		}
	}
}
