// Package events publishes committed task mutations to NATS.
package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/egorvert/Sae/task"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "sae"

// Conn is the publishing side of a NATS connection. *nats.Conn satisfies it.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Message is the payload published for each committed event.
type Message struct {
	Kind      task.EventKind `json:"kind"`
	TaskID    string         `json:"task_id"`
	Previous  task.State     `json:"previous,omitempty"`
	Snapshot  task.Snapshot  `json:"snapshot"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is a task.Observer that publishes every event to
// <prefix>.task.<id>.<kind>.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
	now    func() time.Time

	published atomic.Int64
	failed    atomic.Int64
}

// NewPublisher creates a publisher. A nil conn makes every publish a no-op.
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
		now:    time.Now,
	}
}

// Subject returns the subject for an event on a task.
func (p *Publisher) Subject(taskID string, kind task.EventKind) string {
	return Subject(p.prefix, taskID, kind)
}

// Subject builds <prefix>.task.<token>.<kind>, where token is the task id
// in unpadded base64url. The encoding keeps '.', '*' and '>' out of the
// subject and never maps two ids to the same token. The id itself is in the
// payload.
func Subject(prefix, taskID string, kind task.EventKind) string {
	return fmt.Sprintf("%s.task.%s.%s", prefix, subjectToken(taskID), kind)
}

// Wildcard matches every event for every task under prefix.
func Wildcard(prefix string) string {
	return prefix + ".task.>"
}

func subjectToken(taskID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(taskID))
}

// TaskCommitted implements task.Observer. The NATS client buffers
// publishes, so this does not wait on the network.
func (p *Publisher) TaskCommitted(ev task.Event) {
	if p.conn == nil {
		return
	}

	msg := Message{
		Kind:      ev.Kind,
		TaskID:    ev.Snapshot.ID,
		Previous:  ev.Previous,
		Snapshot:  ev.Snapshot,
		Timestamp: p.now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Failed to marshal task event", "task_id", msg.TaskID, "error", err)
		return
	}

	subject := p.Subject(msg.TaskID, ev.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.failed.Add(1)
		p.logger.Warn("Failed to publish task event", "subject", subject, "error", err)
		return
	}
	p.published.Add(1)
}

// Stats returns the number of published and failed events.
func (p *Publisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}
