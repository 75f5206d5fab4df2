// Package nativebuf implements the NativeBufferPool: a bounded,
// size-classed allocator that stands in for off-heap append-buffer
// memory. The worker-pool discipline of channel-plus-atomic-counter
// bookkeeping is carried over from friggdb/pool.Pool, adapted here
// from a job queue to a byte-budgeted arena with size-class freelists.
package nativebuf

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// ErrBufferPoolExhausted is returned by Allocate when the pool has no
// more free bytes and no freelist region can satisfy the request.
var ErrBufferPoolExhausted = fmt.Errorf("nativebuf: buffer pool exhausted")

// sizeClasses are the bucket boundaries freed regions are recycled
// into; an allocation request is rounded up to the next class.
var sizeClasses = []int{256, 1024, 4096, 16384, 65536, 262144, 1048576}

// Region is a handle to one allocated buffer. Callers treat the
// contents as theirs until Free is called; Free returns it to the
// pool's freelist for its size class rather than releasing it to the
// Go heap, so repeated chunk rotation does not repeatedly hit the
// allocator.
type Region struct {
	Bytes []byte
	class int
	tag   string
}

// Pool is one bounded native arena. shard.New creates a separate Pool
// for each Shard, so pools are not shared between shards, even shards
// of the same dataset. Each size-class freelist has its own lock,
// matching the "short critical sections" allocation policy of
// spec.md §5; the free-byte count is an atomic and the tag totals have
// a lock of their own.
type Pool struct {
	limit     int64
	bytesFree *atomic.Int64

	mus       []sync.Mutex
	freelists [][]*Region

	tagMu sync.Mutex
	tags  map[string]int64

	metricBytesFree prometheus.Gauge
	metricAllocs    prometheus.Counter
	metricExhausted prometheus.Counter
}

// New creates a Pool bounded to limit bytes, mirroring the
// ingestionBufferMemSize shard config key.
func New(limit int64, namespace string) *Pool {
	p := &Pool{
		limit:     limit,
		bytesFree: atomic.NewInt64(limit),
		mus:       make([]sync.Mutex, len(sizeClasses)),
		freelists: make([][]*Region, len(sizeClasses)),
		tags:      make(map[string]int64),
		metricBytesFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "native_buffer_pool_bytes_free",
			Help:      "Free bytes remaining in the native buffer pool.",
		}),
		metricAllocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "native_buffer_pool_allocations_total",
			Help:      "Total allocations served by the native buffer pool.",
		}),
		metricExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "native_buffer_pool_exhausted_total",
			Help:      "Total allocation attempts that found the pool exhausted.",
		}),
	}
	p.metricBytesFree.Set(float64(limit))
	return p
}

// Collectors exposes the pool's metrics for registration with a
// prometheus.Registerer owned by the caller.
func (p *Pool) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.metricBytesFree, p.metricAllocs, p.metricExhausted}
}

func classFor(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return len(sizeClasses) - 1
}

// Allocate reserves size bytes tagged with tag (used for telemetry
// breakdowns, e.g. partition key vs. append buffer). It first tries
// the matching size-class freelist before growing the arena, and
// returns ErrBufferPoolExhausted rather than blocking.
func (p *Pool) Allocate(size int, tag string) (*Region, error) {
	class := classFor(size)
	classSize := sizeClasses[class]

	p.mus[class].Lock()
	n := len(p.freelists[class])
	if n > 0 {
		r := p.freelists[class][n-1]
		p.freelists[class] = p.freelists[class][:n-1]
		p.mus[class].Unlock()
		p.bytesFree.Sub(int64(classSize))
		p.metricBytesFree.Set(float64(p.bytesFree.Load()))
		r.tag = tag
		p.addTag(tag, int64(classSize))
		p.metricAllocs.Inc()
		return r, nil
	}
	p.mus[class].Unlock()

	if p.bytesFree.Sub(int64(classSize)) < 0 {
		p.bytesFree.Add(int64(classSize))
		p.metricExhausted.Inc()
		return nil, ErrBufferPoolExhausted
	}

	p.metricBytesFree.Set(float64(p.bytesFree.Load()))
	p.metricAllocs.Inc()
	r := &Region{Bytes: make([]byte, 0, classSize), class: class, tag: tag}
	p.addTag(tag, int64(classSize))
	return r, nil
}

// Free returns a region's backing buffer to its size-class freelist
// and credits its class size back to the free-byte count; a later
// Allocate from that freelist debits it again. No compaction is ever
// performed, matching spec.md §4.1.
func (p *Pool) Free(r *Region) {
	if r == nil {
		return
	}
	r.Bytes = r.Bytes[:0]
	p.mus[r.class].Lock()
	p.freelists[r.class] = append(p.freelists[r.class], r)
	p.mus[r.class].Unlock()
	p.addTag(r.tag, -int64(sizeClasses[r.class]))
	p.bytesFree.Add(int64(sizeClasses[r.class]))
	p.metricBytesFree.Set(float64(p.bytesFree.Load()))
}

// Reclaim permanently releases size bytes back to the pool's byte
// budget without returning the region to a freelist — used by
// eviction, which discards the partition's buffers entirely.
func (p *Pool) Reclaim(size int64, tag string) {
	p.bytesFree.Add(size)
	p.metricBytesFree.Set(float64(p.bytesFree.Load()))
	p.addTag(tag, -size)
}

func (p *Pool) addTag(tag string, delta int64) {
	if tag == "" {
		return
	}
	p.tagMu.Lock()
	p.tags[tag] += delta
	p.tagMu.Unlock()
}

// BytesFree reports the pool's current free-byte count.
func (p *Pool) BytesFree() int64 {
	return p.bytesFree.Load()
}

// Limit reports the pool's total byte budget.
func (p *Pool) Limit() int64 {
	return p.limit
}

// Tags returns a snapshot of bytes-in-use per tag, for telemetry
// dumps. The result is a map and carries no order; TagNames gives the
// names sorted.
func (p *Pool) Tags() map[string]int64 {
	p.tagMu.Lock()
	defer p.tagMu.Unlock()
	out := make(map[string]int64, len(p.tags))
	for k, v := range p.tags {
		out[k] = v
	}
	return out
}

// TagNames returns the sorted tag names currently tracked, a small
// convenience for deterministic test assertions.
func (p *Pool) TagNames() []string {
	p.tagMu.Lock()
	defer p.tagMu.Unlock()
	names := make([]string, 0, len(p.tags))
	for k := range p.tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
