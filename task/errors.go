package task

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when no task exists for an id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is the kind of every *TransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSubscriberOverflow ends a subscription whose queue exceeded the
	// configured bound.
	ErrSubscriberOverflow = errors.New("subscriber fell too far behind")
)

// TransitionError reports a transition rejected by the state machine.
type TransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition from %s to %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// IsNotFound reports whether err indicates a missing task.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// IsInvalidTransition reports whether err is a rejected state transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
