package flushqueues

import (
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/prometheus/client_golang/prometheus"
)

// Op is the Item variant accepted by ExclusiveQueues: a unit of flush
// work keyed by "dataset/shard/group".
type Op interface {
	Key() string
	Priority() int64
}

// ExclusiveQueues is a fixed set of n priority queues that never holds
// two entries for the same key at once: a second Enqueue for a key
// already queued or in flight is a silent no-op, matching spec.md
// §4.8's "the same group will be retried on its next flush" semantics
// (one outstanding flush task per group at a time). Assignment to a
// sub-queue is a deterministic hash of the key, so Requeue always lands
// the item back on the worker that originally dequeued its key.
type ExclusiveQueues struct {
	mu      sync.Mutex
	queues  []*PriorityQueue[Op]
	keys    map[string]struct{}
	length  int64
	stopped bool
	gauge   prometheus.Gauge
}

// New creates an ExclusiveQueues with n sub-queues. gauge, if non-nil,
// tracks the total number of items currently queued (not counting
// items a worker has dequeued but not yet Cleared).
func New(n int, gauge prometheus.Gauge) *ExclusiveQueues {
	qs := make([]*PriorityQueue[Op], n)
	for i := range qs {
		qs[i] = NewPriorityQueue[Op](nil)
	}
	return &ExclusiveQueues{queues: qs, keys: make(map[string]struct{}), gauge: gauge}
}

func (e *ExclusiveQueues) queueFor(key string) int {
	return int(farm.Fingerprint64([]byte(key)) % uint64(len(e.queues)))
}

func (e *ExclusiveQueues) setGaugeLocked() {
	if e.gauge != nil {
		e.gauge.Set(float64(e.length))
	}
}

// Enqueue adds op unless its key is already queued or in flight.
func (e *ExclusiveQueues) Enqueue(op Op) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrQueueClosed
	}
	if _, ok := e.keys[op.Key()]; ok {
		e.mu.Unlock()
		return nil
	}
	e.keys[op.Key()] = struct{}{}
	e.length++
	e.setGaugeLocked()
	e.mu.Unlock()

	_, err := e.queues[e.queueFor(op.Key())].Enqueue(op)
	if err != nil {
		e.mu.Lock()
		delete(e.keys, op.Key())
		e.length--
		e.setGaugeLocked()
		e.mu.Unlock()
	}
	return err
}

// Requeue puts op back on its queue, used after a failed flush attempt
// that must be retried. Unlike Enqueue it does not treat an
// already-registered key as a no-op, since the caller just dequeued it.
func (e *ExclusiveQueues) Requeue(op Op) error {
	e.mu.Lock()
	e.keys[op.Key()] = struct{}{}
	e.length++
	e.setGaugeLocked()
	e.mu.Unlock()

	_, err := e.queues[e.queueFor(op.Key())].Enqueue(op)
	return err
}

// Dequeue blocks on sub-queue i until an item is available or the
// queue set is stopped, in which case it returns nil.
func (e *ExclusiveQueues) Dequeue(i int) Op {
	op := e.queues[i].Dequeue()
	if op == nil {
		return nil
	}
	e.mu.Lock()
	e.length--
	e.setGaugeLocked()
	e.mu.Unlock()
	return op
}

// Clear releases op's key, allowing it to be enqueued again. Call once
// the dequeued item's work (including any retries) is fully done.
func (e *ExclusiveQueues) Clear(op Op) {
	e.mu.Lock()
	delete(e.keys, op.Key())
	e.mu.Unlock()
}

// Stop closes every sub-queue, unblocking any Dequeue callers.
func (e *ExclusiveQueues) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	for _, q := range e.queues {
		q.Close()
	}
}

// IsEmpty reports whether no key is currently queued or in flight.
func (e *ExclusiveQueues) IsEmpty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys) == 0
}
