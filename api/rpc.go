package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/egorvert/Sae/task"
)

// JSON-RPC 2.0 and task error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeTaskNotFound   = -32001
	CodeInvalidState   = -32002
)

const jsonrpcVersion = "2.0"

// Methods served on the JSON-RPC endpoint.
const (
	MethodSend          = "tasks/send"
	MethodGet           = "tasks/get"
	MethodCancel        = "tasks/cancel"
	MethodList          = "tasks/list"
	MethodSendSubscribe = "tasks/sendSubscribe"
	MethodResubscribe   = "tasks/resubscribe"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Stream events carry the request id
// when there is one.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func newError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SendParams are the params of tasks/send and tasks/sendSubscribe. An empty
// id lets the server generate one; an existing id appends the message.
type SendParams struct {
	ID       string         `json:"id,omitempty"`
	Message  task.Message   `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GetParams are the params of tasks/get.
type GetParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// IDParams are the params of tasks/cancel and tasks/resubscribe.
type IDParams struct {
	ID string `json:"id"`
}

// ListParams are the params of tasks/list.
type ListParams struct {
	State string `json:"state,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// TaskResult is the task view returned by every method. History is only
// present when tasks/get asks for it.
type TaskResult struct {
	ID        string          `json:"id"`
	Status    task.Status     `json:"status"`
	Artifacts []task.Artifact `json:"artifacts"`
	History   []task.Message  `json:"history,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// ListResult is the result of tasks/list.
type ListResult struct {
	Tasks []TaskResult `json:"tasks"`
}

func snapshotResult(s task.Snapshot) TaskResult {
	artifacts := s.Artifacts
	if artifacts == nil {
		artifacts = []task.Artifact{}
	}
	return TaskResult{
		ID:        s.ID,
		Status:    s.Status,
		Artifacts: artifacts,
		Metadata:  s.Metadata,
	}
}

// taskResult returns the task with the last historyLength messages of its
// history; nil or zero omits history.
func taskResult(t *task.Task, historyLength *int) TaskResult {
	r := snapshotResult(t.Snapshot())
	if historyLength != nil && *historyLength > 0 {
		h := t.History
		if n := *historyLength; n < len(h) {
			h = h[len(h)-n:]
		}
		r.History = h
	}
	return r
}

// decodeParams unmarshals params into v. Unknown fields are allowed.
func decodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return newError(CodeInvalidParams, "Invalid parameters: %v", err)
	}
	return nil
}

// taskError maps task manager errors onto JSON-RPC errors.
func taskError(err error) *Error {
	switch {
	case task.IsNotFound(err):
		return newError(CodeTaskNotFound, "%s", err.Error())
	case task.IsInvalidTransition(err):
		e := newError(CodeInvalidState, "%s", err.Error())
		var te *task.TransitionError
		if errors.As(err, &te) {
			e.Data = map[string]string{"from": string(te.From), "to": string(te.To)}
		}
		return e
	default:
		return newError(CodeInternalError, "Internal error: %v", err)
	}
}
