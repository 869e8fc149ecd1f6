package task

import (
	"context"
	"io"
	"sync"
)

// snapshotQueue is the per-subscription delivery path. Pushes never block;
// the consumer waits on signal for new items.
type snapshotQueue struct {
	mu         sync.Mutex
	items      []Snapshot
	sealed     bool  // terminal snapshot queued or overflowed, no further pushes
	abandoned  bool  // consumer closed the subscription
	err        error // reported once items are drained; nil means io.EOF
	maxPending int
	signal     chan struct{}
}

func newSnapshotQueue(maxPending int) *snapshotQueue {
	return &snapshotQueue{
		maxPending: maxPending,
		signal:     make(chan struct{}, 1),
	}
}

// push enqueues a snapshot. It returns false when the queue no longer
// accepts deliveries and should be pruned from the registry.
func (q *snapshotQueue) push(s Snapshot) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sealed || q.abandoned {
		return false
	}
	if q.maxPending > 0 && len(q.items) >= q.maxPending {
		q.items = nil
		q.sealed = true
		q.err = ErrSubscriberOverflow
		q.notify()
		return false
	}

	q.items = append(q.items, s)
	if s.Final() {
		q.sealed = true
	}
	q.notify()
	return true
}

func (q *snapshotQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop returns the next snapshot, blocking until one is available, the queue
// ends, or ctx is done.
func (q *snapshotQueue) pop(ctx context.Context) (Snapshot, error) {
	for {
		q.mu.Lock()
		if q.abandoned {
			q.mu.Unlock()
			return Snapshot{}, io.EOF
		}
		if len(q.items) > 0 {
			s := q.items[0]
			q.items[0] = Snapshot{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return s, nil
		}
		if q.sealed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Snapshot{}, err
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *snapshotQueue) abandon() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abandoned = true
	q.items = nil
	q.notify()
}

func (q *snapshotQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// registry maps task ids to their live subscriber queues. It is guarded by
// the Manager's lock.
type registry struct {
	subs   map[string]map[uint64]*snapshotQueue
	nextID uint64
}

func newRegistry() *registry {
	return &registry{
		subs: make(map[string]map[uint64]*snapshotQueue),
	}
}

// ensure creates the empty slot for a task.
func (r *registry) ensure(taskID string) {
	if _, ok := r.subs[taskID]; !ok {
		r.subs[taskID] = make(map[uint64]*snapshotQueue)
	}
}

func (r *registry) add(taskID string, q *snapshotQueue) uint64 {
	r.ensure(taskID)
	r.nextID++
	r.subs[taskID][r.nextID] = q
	return r.nextID
}

// remove is idempotent.
func (r *registry) remove(taskID string, id uint64) bool {
	slot, ok := r.subs[taskID]
	if !ok {
		return false
	}
	if _, ok := slot[id]; !ok {
		return false
	}
	delete(slot, id)
	return true
}

// broadcast pushes s to every queue registered for the task. Queues that
// refuse the push are pruned, and after a terminal snapshot the slot is
// emptied since every queue is sealed.
func (r *registry) broadcast(taskID string, s Snapshot) (delivered, pruned int) {
	slot := r.subs[taskID]
	for id, q := range slot {
		if q.push(s) {
			delivered++
			continue
		}
		delete(slot, id)
		pruned++
	}
	if s.Final() {
		for id := range slot {
			delete(slot, id)
		}
	}
	return delivered, pruned
}

func (r *registry) count(taskID string) int {
	return len(r.subs[taskID])
}

func (r *registry) total() int {
	n := 0
	for _, slot := range r.subs {
		n += len(slot)
	}
	return n
}
