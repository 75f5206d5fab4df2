// Package flush runs the FlushPipeline of spec.md §4.8: it accepts one
// Group task per (dataset, shard, group) flush, serializes retries for
// that key through an exclusive queue, and commits chunks plus an index
// time bucket to a ColumnStore on a bounded worker pool. The worker
// pool itself is a fixed set of goroutines draining a channel-backed
// queue, the same shape as friggdb/pool.Pool's workQueue+worker loop.
package flush

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/memstore/colstore"
	"github.com/grafana/memstore/flushqueues"
	"github.com/grafana/memstore/ingeststream"
)

// Group is one flush task: the frozen state of a (dataset, shard,
// group) at the offset the shard observed when FlushCommand(group) was
// handled. Flushes are idempotent because ColumnStore writes are keyed
// by (Dataset, Shard, GroupID, Offset).
type Group struct {
	Dataset    string
	Shard      int
	GroupID    uint32
	Offset     int64
	TTLSeconds int
	Bucket     []byte
	Chunks     []colstore.PartitionChunk

	enqueuedAt int64 // unix nanos, set by Pipeline.Enqueue
}

// Key identifies the (dataset, shard, group) this task belongs to, so
// ExclusiveQueues never holds two in-flight flushes for the same group.
func (g *Group) Key() string {
	return fmt.Sprintf("%s/%d/%d", g.Dataset, g.Shard, g.GroupID)
}

// Priority orders tasks oldest-enqueued-first within one sub-queue.
func (g *Group) Priority() int64 {
	return -g.enqueuedAt
}

// Result reports the outcome of one flush task, delivered to the
// Pipeline's OnResult callback so the owning Shard can advance (or
// decline to advance) its group watermark.
type Result struct {
	Dataset string
	Shard   int
	GroupID uint32
	Offset  int64
	Err     error // nil on success; non-nil means the watermark must not advance
}

// Config holds the FlushPipeline's tunables, spec.md §4.11's
// flushTaskParallelism plus the retry policy of §7's "FlushIO
// (transient): retry with backoff, up to R".
type Config struct {
	TaskParallelism int           `yaml:"flushTaskParallelism"`
	MaxRetries      int           `yaml:"flushMaxRetries"`
	RetryBackoff    time.Duration `yaml:"flushRetryBackoff"`
}

func (c Config) withDefaults() Config {
	if c.TaskParallelism <= 0 {
		c.TaskParallelism = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// Pipeline is the FlushPipeline of spec.md §4.8.
type Pipeline struct {
	cs        colstore.ColumnStore
	publisher ingeststream.Publisher
	queues    *flushqueues.ExclusiveQueues
	cfg       Config
	logger    log.Logger
	onResult  func(Result)

	metrics *metrics
	stopCh  chan struct{}
	done    chan struct{}
}

type metrics struct {
	flushDuration prometheus.Histogram
	flushRetries  prometheus.Counter
	flushFailures prometheus.Counter
	queueLength   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		flushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memstore",
			Name:      "flush_duration_seconds",
			Help:      "Time to commit one flush task to the column store.",
			Buckets:   prometheus.DefBuckets,
		}),
		flushRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "memstore",
			Name:      "flush_retries_total",
			Help:      "Number of transient flush retries attempted.",
		}),
		flushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "memstore",
			Name:      "flush_failures_total",
			Help:      "Number of flush tasks that permanently failed.",
		}),
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "memstore",
			Name:      "flush_queue_length",
			Help:      "Current number of flush tasks queued and not yet taken by a worker.",
		}),
	}
}

// New builds a Pipeline with cfg.TaskParallelism sub-queues, tasks
// assigned to them by the ExclusiveQueues' hash of the task key, and
// starts one worker per sub-queue. The groups argument is not used.
// onResult is invoked once per task, from a
// worker goroutine, after the task's outcome (success, or a permanent
// failure after exhausting retries) is known.
func New(cs colstore.ColumnStore, publisher ingeststream.Publisher, groups int, cfg Config, logger log.Logger, reg prometheus.Registerer, onResult func(Result)) *Pipeline {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := newMetrics(reg)

	p := &Pipeline{
		cs:        cs,
		publisher: publisher,
		queues:    flushqueues.New(cfg.TaskParallelism, m.queueLength),
		cfg:       cfg,
		logger:    logger,
		onResult:  onResult,
		metrics:   m,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}, cfg.TaskParallelism),
	}

	for i := 0; i < cfg.TaskParallelism; i++ {
		go p.worker(i)
	}
	return p
}

// Enqueue submits a flush task. A task whose key is already queued or
// in flight is silently dropped: the in-flight task's next attempt
// will re-snapshot the group's unflushed state anyway, per spec.md
// §4.8's idempotence guarantee.
func (p *Pipeline) Enqueue(g *Group) error {
	g.enqueuedAt = time.Now().UnixNano()
	return p.queues.Enqueue(g)
}

func (p *Pipeline) worker(i int) {
	defer func() { p.done <- struct{}{} }()
	for {
		op := p.queues.Dequeue(i)
		if op == nil {
			return
		}
		g := op.(*Group)
		p.runTask(g)
		p.queues.Clear(g)
	}
}

func (p *Pipeline) runTask(g *Group) {
	start := time.Now()
	ctx := context.Background()

	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.flushRetries.Inc()
			time.Sleep(p.cfg.RetryBackoff * time.Duration(attempt))
		}
		err = p.commit(ctx, g)
		if err == nil {
			break
		}
		level.Warn(p.logger).Log("msg", "flush attempt failed", "dataset", g.Dataset, "shard", g.Shard, "group", g.GroupID, "attempt", attempt, "err", err)
	}
	p.metrics.flushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.metrics.flushFailures.Inc()
		level.Error(p.logger).Log("msg", "flush permanently failed, watermark unchanged", "dataset", g.Dataset, "shard", g.Shard, "group", g.GroupID, "offset", g.Offset, "err", err)
	}

	if p.onResult != nil {
		p.onResult(Result{Dataset: g.Dataset, Shard: g.Shard, GroupID: g.GroupID, Offset: g.Offset, Err: err})
	}
}

func (p *Pipeline) commit(ctx context.Context, g *Group) error {
	if len(g.Chunks) > 0 {
		if err := p.cs.WriteChunks(ctx, g.Dataset, g.Shard, g.GroupID, g.Offset, g.Chunks, g.TTLSeconds); err != nil {
			return fmt.Errorf("flush: writing chunks: %w", err)
		}
	}
	if len(g.Bucket) > 0 {
		if err := p.cs.WriteIndexTimeBucket(ctx, g.Dataset, g.Shard, g.GroupID, g.Offset, g.Bucket); err != nil {
			return fmt.Errorf("flush: writing index bucket: %w", err)
		}
	}
	if p.publisher != nil && len(g.Chunks) > 0 {
		if err := p.publisher.Publish(downsampleRecords(g)); err != nil {
			level.Warn(p.logger).Log("msg", "downsample publish failed", "dataset", g.Dataset, "shard", g.Shard, "group", g.GroupID, "err", err)
		}
	}
	return nil
}

func downsampleRecords(g *Group) []ingeststream.DownsampleRecord {
	out := make([]ingeststream.DownsampleRecord, 0, len(g.Chunks))
	for _, c := range g.Chunks {
		out = append(out, ingeststream.DownsampleRecord{
			Dataset:   g.Dataset,
			Shard:     g.Shard,
			MinRowKey: c.Chunk.MinRowKey(),
			MaxRowKey: c.Chunk.MaxRowKey(),
			Rows:      int64(c.Chunk.Rows()),
		})
	}
	return out
}

// Stop closes the exclusive queues, letting every worker drain its
// current task and exit, then waits for all workers to finish. Callers
// with a drain deadline (Shard cancellation's flushDrainTimeout) should
// race this against their own timer and treat a timeout as "abandon
// in-flight flushes".
func (p *Pipeline) Stop() {
	p.queues.Stop()
	for i := 0; i < p.cfg.TaskParallelism; i++ {
		<-p.done
	}
}

// IsEmpty reports whether no flush task is currently queued or in
// flight, used by shutdown/truncate to confirm the pipeline has
// drained.
func (p *Pipeline) IsEmpty() bool {
	return p.queues.IsEmpty()
}
