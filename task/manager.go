package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultListLimit is used by ListTasks when no positive limit is given.
const DefaultListLimit = 100

// CancelMessageText is the agent message recorded when a task is canceled.
const CancelMessageText = "Task was canceled by request."

// Manager owns the task store and the subscription registry. Every mutation
// and every registry change happens under one lock, and subscribers are
// notified before that lock is released, so each subscriber observes
// mutations in commit order.
type Manager struct {
	mu        sync.Mutex
	store     Store
	subs      *registry
	observers []Observer

	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	maxPending int
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the time source used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator sets the generator used when CreateTask gets no id.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}

// WithObserver registers an observer of committed mutations.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, o)
	}
}

// WithMaxPending bounds each subscriber queue. A subscriber more than n
// snapshots behind is dropped with ErrSubscriberOverflow. Zero means
// unbounded.
func WithMaxPending(n int) Option {
	return func(m *Manager) {
		m.maxPending = n
	}
}

// NewManager creates a Manager backed by an in-memory store unless
// WithStore is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		store:  NewMemoryStore(),
		subs:   newRegistry(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddObserver registers an observer after construction, for components
// that themselves need the Manager.
func (m *Manager) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// CreateTask creates a task in StateSubmitted. When id names an existing
// task, msg is appended to that task's history and the task is returned
// unchanged otherwise.
func (m *Manager) CreateTask(ctx context.Context, msg Message, id string, metadata map[string]any) (*Task, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = m.newID()
	}

	t, created, err := m.store.Create(ctx, id, msg, metadata, m.now())
	if err != nil {
		return nil, fmt.Errorf("create task %s: %w", id, err)
	}

	if created {
		m.subs.ensure(id)
		m.logger.Info("Task created", "task_id", id)
		m.emit(Event{Kind: EventCreated, Snapshot: t.Snapshot()})
	} else {
		m.logger.Info("Message appended to existing task",
			"task_id", id,
			"state", t.Status.State,
			"history", len(t.History))
		m.emit(Event{Kind: EventMessage, Snapshot: t.Snapshot()})
	}
	return t, nil
}

// GetTask returns a copy of the task.
func (m *Manager) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Get(ctx, id)
}

// UpdateStatus moves the task to state, recording msg when non-nil, and
// broadcasts the resulting snapshot. A rejected transition returns a
// *TransitionError and leaves the task untouched.
func (m *Manager) UpdateStatus(ctx context.Context, id string, state State, msg *Message) (*Task, error) {
	if msg != nil {
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid message: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, from, err := m.store.ApplyTransition(ctx, id, state, msg, m.now())
	if err != nil {
		return nil, err
	}

	m.logger.Info("Task status updated",
		"task_id", id,
		"old_state", from,
		"new_state", state)

	snap := t.Snapshot()
	m.broadcast(id, snap)
	m.emit(Event{Kind: EventStatus, Snapshot: snap, Previous: from})
	return t, nil
}

// CancelTask moves the task to StateCanceled with the standard message.
func (m *Manager) CancelTask(ctx context.Context, id string) (*Task, error) {
	return m.UpdateStatus(ctx, id, StateCanceled, NewAgentMessage(CancelMessageText))
}

// FailTask moves the task to StateFailed with reason in the agent message.
func (m *Manager) FailTask(ctx context.Context, id, reason string) (*Task, error) {
	return m.UpdateStatus(ctx, id, StateFailed, NewAgentMessage("Task failed: "+reason))
}

// CompleteTask moves the task to StateCompleted.
func (m *Manager) CompleteTask(ctx context.Context, id string, msg *Message) (*Task, error) {
	return m.UpdateStatus(ctx, id, StateCompleted, msg)
}

// AddArtifact appends an artifact, assigning its index, and broadcasts the
// resulting snapshot.
func (m *Manager) AddArtifact(ctx context.Context, id string, artifact Artifact) (*Task, error) {
	if artifact.Name == "" {
		return nil, fmt.Errorf("artifact name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.AppendArtifact(ctx, id, artifact)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Artifact added to task",
		"task_id", id,
		"artifact_name", artifact.Name,
		"index", len(t.Artifacts)-1)

	snap := t.Snapshot()
	m.broadcast(id, snap)
	m.emit(Event{Kind: EventArtifact, Snapshot: snap})
	return t, nil
}

// Subscribe registers a reader for the task. The returned subscription
// already holds a snapshot of the task as of registration.
func (m *Manager) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	q := newSnapshotQueue(m.maxPending)
	snap := t.Snapshot()
	q.push(snap)

	sub := &Subscription{taskID: id, queue: q}
	if snap.Final() {
		// Nothing further will be delivered; no registration needed.
		return sub, nil
	}

	sub.id = m.subs.add(id, q)
	sub.detach = m.unsubscribe
	m.logger.Debug("Subscriber added", "task_id", id, "subscribers", m.subs.count(id))
	return sub, nil
}

func (m *Manager) unsubscribe(taskID string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs.remove(taskID, id) {
		m.logger.Debug("Subscriber removed", "task_id", taskID, "subscribers", m.subs.count(taskID))
	}
}

// ListTasks returns up to limit tasks in creation order, optionally only
// those in the given state.
func (m *Manager) ListTasks(ctx context.Context, filter *State, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.List(ctx, filter, limit)
}

// SubscriberCount returns the number of live subscribers for a task.
func (m *Manager) SubscriberCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.count(id)
}

// TotalSubscribers returns the number of live subscribers across all tasks.
func (m *Manager) TotalSubscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.total()
}

// TaskCount returns the number of stored tasks.
func (m *Manager) TaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Len()
}

// broadcast must be called with m.mu held.
func (m *Manager) broadcast(id string, snap Snapshot) {
	delivered, pruned := m.subs.broadcast(id, snap)
	if pruned > 0 {
		m.logger.Debug("Pruned closed subscribers", "task_id", id, "pruned", pruned)
	}
	if delivered > 0 {
		m.logger.Debug("Snapshot broadcast",
			"task_id", id,
			"state", snap.Status.State,
			"subscribers", delivered)
	}
}

// emit must be called with m.mu held.
func (m *Manager) emit(ev Event) {
	for _, o := range m.observers {
		o.TaskCommitted(ev)
	}
}
