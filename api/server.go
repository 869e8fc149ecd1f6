// Package api serves the A2A HTTP surface: the JSON-RPC endpoint, SSE task
// streams, the agent card, health and metrics.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/egorvert/Sae/task"
)

// DefaultMaxBodyBytes limits JSON-RPC request bodies. File uploads travel
// inline, so this is the effective upload limit.
const DefaultMaxBodyBytes = 10 << 20

const defaultHeartbeat = 30 * time.Second

// Submitter schedules a task for background analysis.
type Submitter interface {
	Submit(taskID string) error
}

// Config configures the HTTP surface.
type Config struct {
	// APIKey enables X-API-Key checking when non-empty.
	APIKey string

	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string

	// MaxBodyBytes bounds request bodies. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// Heartbeat is the SSE keepalive interval. Zero uses 30s.
	Heartbeat time.Duration

	Agent AgentInfo
}

// Server holds the HTTP handlers.
type Server struct {
	tasks     *task.Manager
	submitter Submitter
	config    Config
	metrics   http.Handler
	logger    *slog.Logger
	started   time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer creates the API server.
func NewServer(tasks *task.Manager, submitter Submitter, config Config, opts ...Option) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = defaultHeartbeat
	}
	s := &Server{
		tasks:     tasks,
		submitter: submitter,
		config:    config,
		logger:    slog.Default(),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in CORS and auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers(mux)
	return s.cors(s.authenticate(mux))
}

// RegisterHTTPHandlers registers every endpoint on mux.
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /a2a", s.handleRPC)
	mux.HandleFunc("GET /a2a/stream/{id}", s.handleStream)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeRPC(w, nullID, nil, newError(CodeParseError, "Parse error: Invalid JSON"))
		return
	}

	id := req.ID
	if len(id) == 0 {
		id = nullID
	}
	if rpcErr := validateRequest(&req); rpcErr != nil {
		s.writeRPC(w, id, nil, rpcErr)
		return
	}

	s.logger.Info("A2A request received", "method", req.Method, "request_id", string(req.ID))

	switch req.Method {
	case MethodSendSubscribe:
		s.handleSendSubscribe(w, r, &req)
		return
	case MethodResubscribe:
		s.handleResubscribe(w, r, &req)
		return
	}

	var (
		result any
		rpcErr *Error
	)
	switch req.Method {
	case MethodSend:
		result, rpcErr = s.send(r.Context(), req.Params)
	case MethodGet:
		result, rpcErr = s.get(r.Context(), req.Params)
	case MethodCancel:
		result, rpcErr = s.cancel(r.Context(), req.Params)
	case MethodList:
		result, rpcErr = s.list(r.Context(), req.Params)
	default:
		rpcErr = newError(CodeMethodNotFound, "Method not found: %s", req.Method)
	}
	s.writeRPC(w, id, result, rpcErr)
}

var nullID = json.RawMessage("null")

func validateRequest(req *Request) *Error {
	if req.JSONRPC != jsonrpcVersion {
		return newError(CodeInvalidRequest, "Invalid Request: jsonrpc must be %q", jsonrpcVersion)
	}
	if req.Method == "" {
		return newError(CodeInvalidRequest, "Invalid Request: method is required")
	}
	if len(req.ID) == 0 || bytes.Equal(req.ID, nullID) {
		return newError(CodeInvalidRequest, "Invalid Request: id is required")
	}
	switch req.ID[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
	default:
		return newError(CodeInvalidRequest, "Invalid Request: id must be a string or number")
	}
	return nil
}

// create validates send params, creates or appends to the task and returns it.
func (s *Server) create(ctx context.Context, raw json.RawMessage) (*task.Task, *Error) {
	var params SendParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := params.Message.Validate(); err != nil {
		return nil, newError(CodeInvalidParams, "Invalid parameters: %v", err)
	}
	if params.Message.Role != task.RoleUser {
		return nil, newError(CodeInvalidParams, "Invalid parameters: message role must be %q", task.RoleUser)
	}
	if len(params.Message.Parts) == 0 {
		return nil, newError(CodeInvalidParams, "Invalid parameters: message has no parts")
	}

	t, err := s.tasks.CreateTask(ctx, params.Message, params.ID, params.Metadata)
	if err != nil {
		return nil, taskError(err)
	}
	return t, nil
}

func (s *Server) submit(taskID string) *Error {
	if err := s.submitter.Submit(taskID); err != nil {
		s.logger.Error("Failed to schedule task", "task_id", taskID, "error", err)
		return newError(CodeInternalError, "Internal error: %v", err)
	}
	return nil
}

func (s *Server) send(ctx context.Context, raw json.RawMessage) (any, *Error) {
	t, rpcErr := s.create(ctx, raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := s.submit(t.ID); rpcErr != nil {
		return nil, rpcErr
	}
	return taskResult(t, nil), nil
}

func (s *Server) get(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var params GetParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.ID == "" {
		return nil, newError(CodeInvalidParams, "Invalid parameters: id is required")
	}
	if params.HistoryLength != nil && *params.HistoryLength < 0 {
		return nil, newError(CodeInvalidParams, "Invalid parameters: historyLength must not be negative")
	}

	t, err := s.tasks.GetTask(ctx, params.ID)
	if err != nil {
		return nil, taskError(err)
	}
	return taskResult(t, params.HistoryLength), nil
}

func (s *Server) cancel(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var params IDParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.ID == "" {
		return nil, newError(CodeInvalidParams, "Invalid parameters: id is required")
	}

	t, err := s.tasks.CancelTask(ctx, params.ID)
	if err != nil {
		return nil, taskError(err)
	}
	s.logger.Info("Task canceled", "task_id", t.ID)
	return taskResult(t, nil), nil
}

func (s *Server) list(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var params ListParams
	if rpcErr := decodeParams(raw, &params); rpcErr != nil {
		return nil, rpcErr
	}

	var filter *task.State
	if params.State != "" {
		state, err := task.ParseState(params.State)
		if err != nil {
			return nil, newError(CodeInvalidParams, "Invalid parameters: %v", err)
		}
		filter = &state
	}
	if params.Limit < 0 {
		return nil, newError(CodeInvalidParams, "Invalid parameters: limit must not be negative")
	}

	tasks, err := s.tasks.ListTasks(ctx, filter, params.Limit)
	if err != nil {
		return nil, taskError(err)
	}
	out := ListResult{Tasks: make([]TaskResult, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, taskResult(t, nil))
	}
	return out, nil
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Agent       string `json:"agent"`
	Uptime      string `json:"uptime"`
	Tasks       int    `json:"tasks"`
	Subscribers int    `json:"subscribers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Version:     s.config.Agent.Version,
		Agent:       s.config.Agent.Name,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Tasks:       s.tasks.TaskCount(),
		Subscribers: s.tasks.TotalSubscribers(),
	})
}

func (s *Server) writeRPC(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *Error) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
		if rpcErr.Code == CodeInternalError {
			s.logger.Error("Internal error processing request", "request_id", string(id), "error", rpcErr.Message)
		}
	} else {
		resp.Result = result
	}
	// JSON-RPC errors travel in a 200 response.
	s.writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

// writeError writes a plain HTTP error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
