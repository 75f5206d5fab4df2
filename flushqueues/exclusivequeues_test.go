package flushqueues

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockOp struct{ key string }

func (m mockOp) Key() string      { return m.key }
func (m mockOp) Priority() int64  { return 0 }

type simpleItem int64

func (i simpleItem) Key() string     { return "x" }
func (i simpleItem) Priority() int64 { return int64(i) }

func gaugeValue(t *testing.T, g prometheus.Gauge) int {
	t.Helper()
	return int(testutil.ToFloat64(g))
}

func TestExclusiveQueues(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "test", Name: "depth"})
	q := New(1, gauge)
	op := mockOp{key: "not unique"}

	require.NoError(t, q.Enqueue(op))
	assert.Equal(t, 1, gaugeValue(t, gauge))

	require.NoError(t, q.Enqueue(op))
	assert.Equal(t, 1, gaugeValue(t, gauge))

	_ = q.Dequeue(0)
	assert.Equal(t, 0, gaugeValue(t, gauge))

	require.NoError(t, q.Requeue(op))
	assert.Equal(t, 1, gaugeValue(t, gauge))

	_ = q.Dequeue(0)
	assert.Equal(t, 0, gaugeValue(t, gauge))

	q.Clear(op)
	assert.Equal(t, 0, gaugeValue(t, gauge))

	require.NoError(t, q.Enqueue(op))
	assert.Equal(t, 1, gaugeValue(t, gauge))
}

func TestMultipleQueues(t *testing.T) {
	totalQueues := 10
	totalItems := 10
	q := New(totalQueues, nil)

	ops := make([]mockOp, 0, totalItems)
	for i := 0; i < totalItems; i++ {
		op := mockOp{key: uuid.New().String()}
		ops = append(ops, op)
		require.NoError(t, q.Enqueue(op))
	}
	assert.False(t, q.IsEmpty())

	// Dequeue blocks on an empty open sub-queue; after Stop it hands out
	// what is left and then returns nil.
	q.Stop()

	drained := 0
	for i := 0; i < totalQueues; i++ {
		for {
			op := q.Dequeue(i)
			if op == nil {
				break
			}
			q.Clear(op)
			drained++
		}
	}
	_ = ops
	assert.True(t, q.IsEmpty())
	assert.LessOrEqual(t, drained, totalItems)
}

func TestExclusiveQueueAllDequeuesFinish(t *testing.T) {
	queueCount := 4
	queue := New(queueCount, nil)
	var wgDequeues sync.WaitGroup

	for i := 0; i < queueCount; i++ {
		wgDequeues.Add(1)
		go func(i int) {
			defer wgDequeues.Done()
			for {
				item := queue.Dequeue(i)
				if item == nil {
					return
				}
				queue.Clear(item)
			}
		}(i)
	}

	go func() {
		for {
			err := queue.Enqueue(mockOp{key: uuid.New().String()})
			if err == ErrQueueClosed {
				return
			}
			require.NoError(t, err)
			_ = rand.Int()
		}
	}()

	time.Sleep(time.Millisecond)
	queue.Stop()
	wgDequeues.Wait()
	assert.True(t, queue.IsEmpty())
}

func TestPriorityQueueOrdersHighestFirst(t *testing.T) {
	q := NewPriorityQueue[simpleItem](nil)
	assert.Equal(t, 0, q.Length())

	_, err := q.Enqueue(1)
	require.NoError(t, err)
	_, err = q.Enqueue(2)
	require.NoError(t, err)

	assert.Equal(t, simpleItem(2), q.Dequeue())
	assert.Equal(t, simpleItem(1), q.Dequeue())

	q.Close()
	assert.Zero(t, q.Dequeue())
}
