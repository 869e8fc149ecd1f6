package task

// EventKind names the mutation that produced an Event.
type EventKind string

// Event kinds.
const (
	EventCreated  EventKind = "created"
	EventMessage  EventKind = "message"
	EventStatus   EventKind = "status"
	EventArtifact EventKind = "artifact"
)

// Event describes a committed mutation.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot

	// Previous is the state before a status change; empty for other kinds.
	Previous State
}

// Observer receives every committed mutation. TaskCommitted is called while
// the Manager holds its lock, in commit order, so implementations must
// return promptly and must not call back into the Manager.
type Observer interface {
	TaskCommitted(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// TaskCommitted calls f(ev).
func (f ObserverFunc) TaskCommitted(ev Event) {
	f(ev)
}
