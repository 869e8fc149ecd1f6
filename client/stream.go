package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/egorvert/Sae/api"
)

// maxEventSize bounds one SSE data line. Snapshots carry the full report.
const maxEventSize = 16 << 20

// Stream reads task updates from an SSE response.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (c *Client) openStream(req *http.Request) (*Stream, error) {
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// A JSON body instead of a stream carries a JSON-RPC error.
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if err := decodeRPC(body, nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("expected event stream, got %s", resp.Header.Get("Content-Type"))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next task update. It returns io.EOF when the server ends
// the stream, which it does after the terminal update. Heartbeats are
// skipped.
func (s *Stream) Next() (*api.TaskResult, error) {
	if s.done {
		return nil, io.EOF
	}

	var eventType string
	var data strings.Builder
	for s.scanner.Scan() {
		line := strings.TrimSuffix(s.scanner.Text(), "\r")

		switch {
		case line == "":
			if data.Len() == 0 {
				eventType = ""
				continue
			}
			update, err := s.dispatch(eventType, data.String())
			eventType = ""
			data.Reset()
			if err != nil {
				return nil, err
			}
			if update != nil {
				return update, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, io.EOF
}

func (s *Stream) dispatch(eventType, data string) (*api.TaskResult, error) {
	switch eventType {
	case api.SSEEventHeartbeat:
		return nil, nil
	case api.SSEEventError:
		s.done = true
		var env struct {
			Error   json.RawMessage `json:"error"`
			Message string          `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return nil, fmt.Errorf("stream error: %s", data)
		}
		var rpcErr api.Error
		if json.Unmarshal(env.Error, &rpcErr) == nil && rpcErr.Code != 0 {
			return nil, &rpcErr
		}
		var text string
		if json.Unmarshal(env.Error, &text) == nil && text != "" {
			return nil, fmt.Errorf("stream error: %s", text)
		}
		return nil, fmt.Errorf("stream error: %s", data)
	case api.SSEEventTaskUpdate, "":
		var out api.TaskResult
		if err := decodeRPC([]byte(data), &out); err != nil {
			return nil, err
		}
		return &out, nil
	default:
		return nil, nil
	}
}

// Close releases the connection.
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}
