package task

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
)

// Subscription is one reader of a task's snapshot stream. The first snapshot
// reflects the task at subscribe time; the stream ends after the first
// terminal snapshot.
type Subscription struct {
	taskID string
	id     uint64
	queue  *snapshotQueue

	once   sync.Once
	detach func(taskID string, id uint64)
}

// TaskID returns the id of the task being followed.
func (s *Subscription) TaskID() string {
	return s.taskID
}

// Next blocks until the next snapshot is available. It returns io.EOF once
// the terminal snapshot has been consumed, ErrSubscriberOverflow if the
// subscriber was dropped for falling behind, or the context error.
func (s *Subscription) Next(ctx context.Context) (Snapshot, error) {
	snap, err := s.queue.pop(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.Close()
	}
	return snap, err
}

// All iterates over the remaining snapshots. Iteration stops after the
// terminal snapshot; a non-EOF error is yielded once as the last element.
// Breaking out of the loop closes the subscription.
func (s *Subscription) All(ctx context.Context) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		defer s.Close()
		for {
			snap, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Snapshot{}, err)
				return
			}
			if !yield(snap, nil) {
				return
			}
		}
	}
}

// Close unsubscribes. It is safe to call more than once and after the
// stream has ended.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.queue.abandon()
		if s.detach != nil {
			s.detach(s.taskID, s.id)
		}
	})
}
