package task

import "fmt"

// State is the lifecycle state of a task. Values are the wire names.
type State string

// Task states.
const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// States lists every state in declaration order.
var States = []State{
	StateSubmitted,
	StateWorking,
	StateInputRequired,
	StateCompleted,
	StateFailed,
	StateCanceled,
}

// transitions is the complete set of permitted edges. A state absent from
// the map, or mapped to an empty set, has no outgoing edges.
var transitions = map[State][]State{
	StateSubmitted:     {StateWorking, StateCanceled, StateFailed},
	StateWorking:       {StateCompleted, StateFailed, StateCanceled, StateInputRequired},
	StateInputRequired: {StateWorking, StateCanceled, StateFailed},
	StateCompleted:     nil,
	StateFailed:        nil,
	StateCanceled:      nil,
}

// String returns the wire name of the state.
func (s State) String() string {
	return string(s)
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are permitted from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// ParseState converts a wire name into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown task state %q", s)
	}
	return st, nil
}

// CanTransition reports whether the edge from -> to is permitted.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the destinations reachable from a state.
func AllowedTransitions(from State) []State {
	out := make([]State, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// CheckTransition validates the edge from -> to for the given task and
// returns a *TransitionError when it is not permitted.
func CheckTransition(taskID string, from, to State) error {
	if !CanTransition(from, to) {
		return &TransitionError{TaskID: taskID, From: from, To: to}
	}
	return nil
}
