package task

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapIn(state State) Snapshot {
	return Snapshot{ID: "t", Status: Status{State: state}}
}

func TestRegistry_PrunesAbandonedQueues(t *testing.T) {
	r := newRegistry()
	live := newSnapshotQueue(0)
	dead := newSnapshotQueue(0)
	r.add("t", live)
	r.add("t", dead)
	dead.abandon()

	delivered, pruned := r.broadcast("t", snapIn(StateWorking))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 1, r.count("t"))
}

func TestRegistry_FinalBroadcastClearsSlot(t *testing.T) {
	r := newRegistry()
	q := newSnapshotQueue(0)
	r.add("t", q)

	delivered, _ := r.broadcast("t", snapIn(StateCompleted))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, r.count("t"))
	assert.Equal(t, 0, r.total())

	// The queue still drains what it was given.
	ctx := context.Background()
	s, err := q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.Status.State)
	_, err = q.pop(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := newRegistry()
	id := r.add("t", newSnapshotQueue(0))

	assert.True(t, r.remove("t", id))
	assert.False(t, r.remove("t", id))
	assert.False(t, r.remove("other", id))
}

func TestSnapshotQueue_SealedRejectsPush(t *testing.T) {
	q := newSnapshotQueue(0)
	assert.True(t, q.push(snapIn(StateWorking)))
	assert.True(t, q.push(snapIn(StateCanceled)))
	assert.False(t, q.push(snapIn(StateWorking)))
	assert.Equal(t, 2, q.pending())
}

func TestSnapshotQueue_PopWaitsForPush(t *testing.T) {
	q := newSnapshotQueue(0)
	done := make(chan Snapshot)
	go func() {
		s, _ := q.pop(context.Background())
		done <- s
	}()

	q.push(snapIn(StateWorking))
	s := <-done
	assert.Equal(t, StateWorking, s.Status.State)
}
