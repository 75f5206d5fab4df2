// Package flushqueues provides the bounded, exclusive work queue that
// sits between a Shard and the flush worker pool (spec.md §4.8's
// "flush tasks for the same group are serialized by the pipeline").
// It generalizes grafana-tempo's pkg/flushqueues: a generic
// priority-ordered blocking queue, plus a fixed set of such queues that
// refuse to hold two in-flight items for the same key at once.
package flushqueues

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrQueueClosed is returned by Enqueue after Close/Stop.
var ErrQueueClosed = errors.New("flushqueues: enqueue on closed queue")

// Item is satisfied by any value placed on a PriorityQueue or
// ExclusiveQueues. Key identifies the logical unit of work (here,
// "dataset/shard/group") for exclusivity; Priority orders items within
// one queue, highest first.
type Item interface {
	Key() string
	Priority() int64
}

type innerHeap[T Item] []T

func (h innerHeap[T]) Len() int            { return len(h) }
func (h innerHeap[T]) Less(i, j int) bool  { return h[i].Priority() > h[j].Priority() }
func (h innerHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *innerHeap[T]) Push(x interface{}) { *h = append(*h, x.(T)) }
func (h *innerHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a thread-safe, closable max-priority queue. Dequeue
// blocks until an item is available or the queue is closed.
type PriorityQueue[T Item] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	h      innerHeap[T]
	closed bool
	gauge  prometheus.Gauge
}

// NewPriorityQueue creates an empty queue. gauge, if non-nil, tracks
// the queue's depth.
func NewPriorityQueue[T Item](gauge prometheus.Gauge) *PriorityQueue[T] {
	q := &PriorityQueue[T]{gauge: gauge}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds item and returns the resulting queue length.
func (q *PriorityQueue[T]) Enqueue(item T) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	heap.Push(&q.h, item)
	q.setGaugeLocked()
	q.cond.Signal()
	return len(q.h), nil
}

// Dequeue blocks until an item is available, returning the
// highest-priority one, or the zero value once the queue is closed and
// drained.
func (q *PriorityQueue[T]) Dequeue() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.h) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.h) == 0 {
		var zero T
		return zero
	}
	item := heap.Pop(&q.h).(T)
	q.setGaugeLocked()
	return item
}

// Length reports the current queue depth.
func (q *PriorityQueue[T]) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Close unblocks any waiting Dequeue calls and rejects further Enqueue
// calls.
func (q *PriorityQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *PriorityQueue[T]) setGaugeLocked() {
	if q.gauge != nil {
		q.gauge.Set(float64(len(q.h)))
	}
}
