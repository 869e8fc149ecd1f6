// Package testutil provides test doubles for code that depends on llm.Completer.
package testutil

import (
	"context"
	"sync"

	"github.com/egorvert/Sae/llm"
)

// MockLLMClient is a thread-safe llm.Completer for tests.
//
// Responses are returned in order; when they run out an empty response is
// returned. Err, when set, is returned from every call. Handler, when set,
// takes precedence over both and lets a test answer by capability:
//
//	mock := &testutil.MockLLMClient{
//	    Handler: func(req llm.Request) (*llm.Response, error) {
//	        if req.Capability == "extraction" {
//	            return &llm.Response{Content: `[{"type": "payment"}]`}, nil
//	        }
//	        return &llm.Response{Content: "[]"}, nil
//	    },
//	}
type MockLLMClient struct {
	Responses []*llm.Response
	Err       error
	Handler   func(req llm.Request) (*llm.Response, error)

	mu              sync.Mutex
	capturedContext context.Context
	requests        []llm.Request
	responseIndex   int
}

var _ llm.Completer = (*MockLLMClient)(nil)

// Complete implements llm.Completer.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capturedContext = ctx
	m.requests = append(m.requests, req)

	if m.Handler != nil {
		return m.Handler(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}
	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// GetCapturedContext returns the last context passed to Complete.
func (m *MockLLMClient) GetCapturedContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturedContext
}

// GetCallCount returns the number of times Complete was called.
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received so far.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Reset clears recorded calls and rewinds Responses.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responseIndex = 0
	m.capturedContext = nil
}
