// Package client talks to a Sae server over its JSON-RPC and SSE endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/egorvert/Sae/api"
	"github.com/egorvert/Sae/task"
)

// Client is a Sae API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient replaces the HTTP client. Streams need a client without
// an overall timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsTaskNotFound reports whether err is the server's task-not-found error.
func IsTaskNotFound(err error) bool {
	var rpcErr *api.Error
	return errors.As(err, &rpcErr) && rpcErr.Code == api.CodeTaskNotFound
}

// IsInvalidState reports whether err is a rejected state transition.
func IsInvalidState(err error) bool {
	var rpcErr *api.Error
	return errors.As(err, &rpcErr) && rpcErr.Code == api.CodeInvalidState
}

// Send creates a task, or appends to it when params.ID exists, and
// schedules it for analysis.
func (c *Client) Send(ctx context.Context, params api.SendParams) (*api.TaskResult, error) {
	var out api.TaskResult
	if err := c.call(ctx, api.MethodSend, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns a task with up to historyLength recent messages.
func (c *Client) Get(ctx context.Context, id string, historyLength int) (*api.TaskResult, error) {
	params := api.GetParams{ID: id}
	if historyLength > 0 {
		params.HistoryLength = &historyLength
	}
	var out api.TaskResult
	if err := c.call(ctx, api.MethodGet, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel cancels a task.
func (c *Client) Cancel(ctx context.Context, id string) (*api.TaskResult, error) {
	var out api.TaskResult
	if err := c.call(ctx, api.MethodCancel, api.IDParams{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns tasks, optionally filtered by state.
func (c *Client) List(ctx context.Context, state task.State, limit int) ([]api.TaskResult, error) {
	var out api.ListResult
	if err := c.call(ctx, api.MethodList, api.ListParams{State: string(state), Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// SendSubscribe sends a task and streams its updates.
func (c *Client) SendSubscribe(ctx context.Context, params api.SendParams) (*Stream, error) {
	req, err := c.rpcRequest(ctx, api.MethodSendSubscribe, params)
	if err != nil {
		return nil, err
	}
	return c.openStream(req)
}

// Resubscribe streams updates of an existing task.
func (c *Client) Resubscribe(ctx context.Context, id string) (*Stream, error) {
	req, err := c.rpcRequest(ctx, api.MethodResubscribe, api.IDParams{ID: id})
	if err != nil {
		return nil, err
	}
	return c.openStream(req)
}

// Stream follows a task through GET /a2a/stream/{id}.
func (c *Client) Stream(ctx context.Context, id string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/a2a/stream/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	return c.openStream(req)
}

// Wait follows the task until it reaches a terminal state and returns the
// final view, including artifacts.
func (c *Client) Wait(ctx context.Context, id string) (*api.TaskResult, error) {
	stream, err := c.Stream(ctx, id)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var last *api.TaskResult
	for {
		update, err := stream.Next()
		if errors.Is(err, io.EOF) {
			if last == nil {
				return nil, fmt.Errorf("stream for task %s ended without updates", id)
			}
			return last, nil
		}
		if err != nil {
			return nil, err
		}
		last = update
		if update.Status.State.IsTerminal() {
			return last, nil
		}
	}
}

// AgentCard fetches the agent card.
func (c *Client) AgentCard(ctx context.Context) (*api.AgentCard, error) {
	var card api.AgentCard
	if err := c.getJSON(ctx, "/.well-known/agent.json", &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// Health fetches the health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForHealthy polls /health until it answers or ctx ends.
func (c *Client) WaitForHealthy(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server not healthy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) rpcRequest(ctx context.Context, method string, params any) (*http.Request, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	id, _ := json.Marshal(c.nextID.Add(1))
	data, err := json.Marshal(api.Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/a2a", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	return req, nil
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	req, err := c.rpcRequest(ctx, method, params)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return decodeRPC(body, result)
}

// rpcEnvelope mirrors api.Response with a raw result.
type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *api.Error      `json:"error"`
}

func decodeRPC(body []byte, result any) error {
	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("unmarshal response: %w (body: %s)", err, string(body))
	}
	if env.Error != nil {
		return env.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
