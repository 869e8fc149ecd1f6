// Package storage archives task snapshots in a NATS JetStream KV bucket.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/egorvert/Sae/task"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket holds the latest snapshot per task id.
const DefaultBucket = "SAE_TASKS"

const (
	defaultQueueSize = 1024
	putTimeout       = 5 * time.Second
)

// KV is the subset of jetstream.KeyValue the archive uses.
type KV interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// Record is the value stored per task.
type Record struct {
	Snapshot   task.Snapshot  `json:"snapshot"`
	LastEvent  task.EventKind `json:"last_event"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// Archive is a write-behind task.Observer. Events are queued without
// blocking and written by a single goroutine; when the queue is full the
// event is dropped and counted.
type Archive struct {
	kv     KV
	logger *slog.Logger
	now    func() time.Time

	queue chan task.Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithQueueSize bounds the number of events waiting to be written.
func WithQueueSize(n int) Option {
	return func(a *Archive) {
		if n > 0 {
			a.queue = make(chan task.Event, n)
		}
	}
}

// OpenBucket returns the named KV bucket, creating it if needed.
func OpenBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	if name == "" {
		name = DefaultBucket
	}
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "Sae task snapshots",
		History:     5, // Keep last 5 revisions
	})
}

// NewArchive creates an archive and starts its writer.
func NewArchive(kv KV, opts ...Option) *Archive {
	a := &Archive{
		kv:     kv,
		logger: slog.Default(),
		now:    time.Now,
		queue:  make(chan task.Event, defaultQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// TaskCommitted implements task.Observer.
func (a *Archive) TaskCommitted(ev task.Event) {
	select {
	case <-a.stop:
		a.dropped.Add(1)
		return
	default:
	}

	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
		a.logger.Warn("Archive queue full, dropping snapshot",
			"task_id", ev.Snapshot.ID,
			"kind", ev.Kind)
	}
}

func (a *Archive) run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.queue:
			a.write(ev)
		case <-a.stop:
			// Drain what was queued before Close.
			for {
				select {
				case ev := <-a.queue:
					a.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Archive) write(ev task.Event) {
	rec := Record{
		Snapshot:   ev.Snapshot,
		LastEvent:  ev.Kind,
		ArchivedAt: a.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		a.failed.Add(1)
		a.logger.Warn("Failed to marshal snapshot", "task_id", ev.Snapshot.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	if _, err := a.kv.Put(ctx, Key(ev.Snapshot.ID), data); err != nil {
		a.failed.Add(1)
		a.logger.Warn("Failed to archive snapshot", "task_id", ev.Snapshot.ID, "error", err)
		return
	}
	a.written.Add(1)
}

// Get returns the archived record for a task.
func (a *Archive) Get(ctx context.Context, taskID string) (*Record, error) {
	entry, err := a.kv.Get(ctx, Key(taskID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &rec, nil
}

// List returns every archived record, most recently archived first. Keys
// this archive did not write and entries that fail to load are skipped.
func (a *Archive) List(ctx context.Context) ([]*Record, error) {
	keys, err := a.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshot keys: %w", err)
	}

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		id, ok := TaskID(key)
		if !ok {
			continue
		}
		entry, err := a.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil || rec.Snapshot.ID != id {
			continue
		}
		records = append(records, &rec)
	}
	slices.SortStableFunc(records, func(x, y *Record) int {
		return y.ArchivedAt.Compare(x.ArchivedAt)
	})
	return records, nil
}

// Close stops accepting events and waits for queued ones to be written.
func (a *Archive) Close(ctx context.Context) error {
	err := ErrClosed
	a.once.Do(func() {
		close(a.stop)
		err = nil
	})
	if err != nil {
		return err
	}

	select {
	case <-a.done:
		written, dropped, failed := a.Stats()
		a.logger.Info("Snapshot archive closed",
			"written", written,
			"dropped", dropped,
			"failed", failed)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events discarded because the queue was full
// or the archive was closed.
func (a *Archive) Dropped() int64 {
	return a.dropped.Load()
}

// Stats returns written, dropped and failed counts.
func (a *Archive) Stats() (written, dropped, failed int64) {
	return a.written.Load(), a.dropped.Load(), a.failed.Load()
}

// Key encodes a task id as unpadded base64url, which only uses characters
// NATS KV allows in keys. Distinct ids always get distinct keys.
func Key(taskID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(taskID))
}

// TaskID reverses Key. ok is false for keys Key cannot have produced.
func TaskID(key string) (id string, ok bool) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}
