package storage

import (
	"errors"

	"github.com/nats-io/nats.go/jetstream"
)

// Common storage errors.
var (
	// ErrNotFound is returned when no snapshot is archived for a task.
	ErrNotFound = errors.New("snapshot not found")

	// ErrClosed is returned by Close when the archive was already closed.
	ErrClosed = errors.New("archive closed")
)

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
