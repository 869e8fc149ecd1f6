package task

import (
	"context"
	"time"
)

// Store holds the canonical id -> task mapping. Implementations are not
// required to be safe for concurrent use; the Manager serializes every call.
// Returned tasks must be copies that the caller may keep and mutate.
type Store interface {
	// Create inserts a new task in StateSubmitted with msg as its first
	// history entry. If the id already exists, msg is appended to the
	// existing task's history and created is false.
	Create(ctx context.Context, id string, msg Message, metadata map[string]any, now time.Time) (t *Task, created bool, err error)

	// Get returns the task or an error wrapping ErrTaskNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// ApplyTransition validates and applies a status change, appending msg
	// to the history when non-nil. Nothing is mutated on failure.
	ApplyTransition(ctx context.Context, id string, to State, msg *Message, now time.Time) (t *Task, from State, err error)

	// AppendArtifact sets the artifact's index to the current artifact count
	// and appends it.
	AppendArtifact(ctx context.Context, id string, artifact Artifact) (*Task, error)

	// List returns up to limit tasks in insertion order, optionally
	// restricted to one state.
	List(ctx context.Context, filter *State, limit int) ([]*Task, error)

	// Len returns the number of stored tasks.
	Len() int
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	tasks map[string]*Task
	order []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, id string, msg Message, metadata map[string]any, now time.Time) (*Task, bool, error) {
	if existing, ok := s.tasks[id]; ok {
		existing.History = append(existing.History, cloneMessage(msg))
		return existing.Clone(), false, nil
	}

	t := &Task{
		ID: id,
		Status: Status{
			State:     StateSubmitted,
			Timestamp: now,
		},
		Artifacts: []Artifact{},
		History:   []Message{cloneMessage(msg)},
		Metadata:  cloneMap(metadata),
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	s.tasks[id] = t
	s.order = append(s.order, id)
	return t.Clone(), true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	return t.Clone(), nil
}

// ApplyTransition implements Store.
func (s *MemoryStore) ApplyTransition(_ context.Context, id string, to State, msg *Message, now time.Time) (*Task, State, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, "", notFound(id)
	}
	from := t.Status.State
	if err := CheckTransition(id, from, to); err != nil {
		return nil, from, err
	}

	status := Status{State: to, Timestamp: now}
	if msg != nil {
		m := cloneMessage(*msg)
		status.Message = &m
		t.History = append(t.History, cloneMessage(*msg))
	}
	t.Status = status
	return t.Clone(), from, nil
}

// AppendArtifact implements Store.
func (s *MemoryStore) AppendArtifact(_ context.Context, id string, artifact Artifact) (*Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	a := cloneArtifact(artifact)
	a.Index = len(t.Artifacts)
	t.Artifacts = append(t.Artifacts, a)
	return t.Clone(), nil
}

// List implements Store. A limit <= 0 means no limit.
func (s *MemoryStore) List(_ context.Context, filter *State, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = len(s.order)
	}
	out := make([]*Task, 0, min(limit, len(s.order)))
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		t := s.tasks[id]
		if filter != nil && t.Status.State != *filter {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// Len implements Store.
func (s *MemoryStore) Len() int {
	return len(s.tasks)
}
