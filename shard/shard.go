// Package shard implements the Shard of spec.md §4.7: the single
// ingestion executor that merges data batches and flush commands in
// arrival order, routes records to Partitions, and hands frozen chunk
// sets to a flush.Pipeline. PartitionTable/PartitionKeyIndex mutations
// happen on this one goroutine, the same "single writer, lock-free
// reads" discipline partition.Table documents, except EvictPartitionID,
// which mutates them on its caller's goroutine. groupWatermarks are
// advanced by the flush pipeline's result callback on its worker
// goroutines, using compare-and-swap.
package shard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	farm "github.com/dgryski/go-farm"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/grafana/memstore/chunkenc"
	"github.com/grafana/memstore/colstore"
	"github.com/grafana/memstore/eviction"
	"github.com/grafana/memstore/flush"
	"github.com/grafana/memstore/ingeststream"
	"github.com/grafana/memstore/nativebuf"
	"github.com/grafana/memstore/partidx"
	"github.com/grafana/memstore/partition"
	"github.com/grafana/memstore/schema"
)

type dataBatchEvent struct {
	batch schema.RecordBatch
}

type flushCommandEvent struct {
	group      uint32
	ttlSeconds int
}

type shutdownEvent struct {
	done chan struct{}
}

// PartitionScan is one partition's chunks intersecting a scan's
// row-key range, as returned by ScanPartitions. Chunks are Retain()ed;
// callers must Release() each one when done.
type PartitionScan struct {
	PartitionID uint64
	PartKey     []byte
	Chunks      []*chunkenc.Chunk
}

// Shard is one shard-local ingestion engine.
type Shard struct {
	Dataset string
	Num     int

	ds             *schema.RichDataset
	cfg            Config
	pool           *nativebuf.Pool
	table          *partition.Table
	index          *partidx.Index
	evictionPolicy eviction.Policy
	pipeline       *flush.Pipeline
	cs             colstore.ColumnStore

	groupWatermarks []atomic.Int64
	latestOffset    atomic.Int64

	malformedKeyCount atomic.Int64

	events  chan interface{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	logger  log.Logger
	metrics *metrics
}

type metrics struct {
	rowsIngested prometheus.Counter
	rowsDropped  prometheus.Counter
	malformedKey prometheus.Counter
	evictions    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		rowsIngested: f.NewCounter(prometheus.CounterOpts{Namespace: "memstore", Name: "rows_ingested_total", Help: "Rows successfully appended to a partition."}),
		rowsDropped:  f.NewCounter(prometheus.CounterOpts{Namespace: "memstore", Name: "rows_dropped_total", Help: "Rows dropped after a retried buffer-pool exhaustion."}),
		malformedKey: f.NewCounter(prometheus.CounterOpts{Namespace: "memstore", Name: "malformed_partition_keys_total", Help: "Records whose partition key could not be derived."}),
		evictions:    f.NewCounter(prometheus.CounterOpts{Namespace: "memstore", Name: "partitions_evicted_total", Help: "Partitions reclaimed by the eviction policy."}),
	}
}

// New creates a Shard and starts its ingestion executor and flush
// pipeline. reg may be nil, in which case a private registry is used
// (tests, or multiple shards that would otherwise collide on metric
// names).
func New(dataset string, num int, ds *schema.RichDataset, cfg Config, cs colstore.ColumnStore, publisher ingeststream.Publisher, logger log.Logger, reg prometheus.Registerer) *Shard {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	pool := nativebuf.New(cfg.IngestionBufferMemSize, fmt.Sprintf("memstore_shard%d", num))
	reg.MustRegister(pool.Collectors()...)

	s := &Shard{
		Dataset:        dataset,
		Num:            num,
		ds:             ds,
		cfg:            cfg,
		pool:           pool,
		table:          partition.NewTable(),
		index:          partidx.New(cfg.GroupsPerShard, 1024),
		evictionPolicy: eviction.New(cfg.MinWriteBuffersFree),
		cs:             cs,
		groupWatermarks: make([]atomic.Int64, cfg.GroupsPerShard),
		events:          make(chan interface{}, cfg.EventQueueDepth),
		logger:          logger,
		metrics:         newMetrics(reg),
	}
	for i := range s.groupWatermarks {
		s.groupWatermarks[i].Store(-1)
	}

	s.pipeline = flush.New(cs, publisher, cfg.FlushTaskParallelism, flush.Config{
		TaskParallelism: cfg.FlushTaskParallelism,
	}, logger, reg, s.onFlushResult)

	s.wg.Add(1)
	go s.run()
	return s
}

// Ingest synchronously enqueues batch to the shard's ingestion input;
// it returns once queued, not once processed. It blocks if the event
// queue is full, which is the ingestion-stream back-pressure point of
// spec.md §5.
func (s *Shard) Ingest(batch schema.RecordBatch) error {
	if s.stopped.Load() {
		return ErrShardStopped
	}
	s.events <- dataBatchEvent{batch: batch}
	return nil
}

// FlushCommand enqueues a flush of the given group. It returns once
// queued; the flush itself runs asynchronously on the flush pipeline.
func (s *Shard) FlushCommand(group uint32, ttlSeconds int) error {
	if s.stopped.Load() {
		return ErrShardStopped
	}
	s.events <- flushCommandEvent{group: group, ttlSeconds: ttlSeconds}
	return nil
}

func (s *Shard) run() {
	defer s.wg.Done()
	for ev := range s.events {
		switch e := ev.(type) {
		case dataBatchEvent:
			s.handleDataBatch(e.batch)
		case flushCommandEvent:
			s.handleFlushCommand(e.group, e.ttlSeconds)
		case shutdownEvent:
			close(e.done)
			return
		}
	}
}

func (s *Shard) handleDataBatch(batch schema.RecordBatch) {
	for _, rec := range batch.Records {
		s.ingestRecord(rec, batch.Offset)
	}
	if batch.Offset > s.latestOffset.Load() {
		s.latestOffset.Store(batch.Offset)
	}
}

func (s *Shard) ingestRecord(rec schema.Record, offset int64) {
	partKey, err := s.partitionKeyFor(rec)
	if err != nil {
		s.malformedKeyCount.Inc()
		s.metrics.malformedKey.Inc()
		return
	}
	partID := farm.Fingerprint64(partKey)

	newPartition := func() *partition.Partition {
		group := s.index.GroupFor(partID)
		p, err := partition.New(partKey, group, s.ds, s.pool, s.cfg.MaxChunkRows, s.cfg.ChunksToKeep)
		if err != nil {
			return nil
		}
		return p
	}

	p, created := s.table.GetOrCreate(partKey, newPartition)
	if p == nil {
		if s.tryEvict() {
			p, created = s.table.GetOrCreate(partKey, newPartition)
		}
		if p == nil {
			s.dropRecord()
			return
		}
	}
	if created {
		s.index.AddKey(partID, rec.Labels)
	}
	s.index.Observe(partID, rec.RowKey)

	if err := p.Ingest(rec, offset); err != nil {
		if errors.Is(err, nativebuf.ErrBufferPoolExhausted) && s.tryEvict() {
			err = p.Ingest(rec, offset)
		}
		if err != nil {
			p.DropRow()
			s.dropRecord()
			level.Warn(s.logger).Log("msg", "dropping record after retried buffer exhaustion", "dataset", s.Dataset, "shard", s.Num, "err", err)
			return
		}
	}
	s.metrics.rowsIngested.Inc()
}

func (s *Shard) dropRecord() {
	s.metrics.rowsDropped.Inc()
}

// partitionKeyFor returns rec's opaque partition key, deriving one from
// rec.Labels against the dataset's declared partition columns when the
// stream adapter left PartitionKey unset.
func (s *Shard) partitionKeyFor(rec schema.Record) ([]byte, error) {
	if len(rec.PartitionKey) > 0 {
		return rec.PartitionKey, nil
	}
	var buf bytes.Buffer
	for _, col := range s.ds.PartitionColumns {
		v, ok := rec.Labels[col.Name]
		if !ok {
			return nil, fmt.Errorf("shard: record missing partition column %q", col.Name)
		}
		buf.WriteString(col.Name)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("shard: empty partition key")
	}
	return buf.Bytes(), nil
}

// tryEvict runs the eviction policy once, reclaiming at most a handful
// of partitions. It reports whether anything was evicted, so callers
// know whether a retry is worth attempting.
func (s *Shard) tryEvict() bool {
	if !s.evictionPolicy.ShouldEvict(s.pool) {
		return false
	}
	victims := s.evictionPolicy.SelectVictims(s.table.Values(), 8)
	if len(victims) == 0 {
		return false
	}
	for _, v := range victims {
		s.evictPartition(v)
	}
	return true
}

func (s *Shard) evictPartition(p *partition.Partition) {
	s.table.Remove(p.PartKey)
	s.index.RemoveKey(farm.Fingerprint64(p.PartKey))
	s.pool.Reclaim(p.NativeBytes(), "partition")
	s.metrics.evictions.Inc()
}

// EvictPartitionID evicts partID from memory unconditionally, bypassing
// the eviction policy's pressure check. It reports whether the
// partition was resident. Exposed for operator-triggered eviction and
// for deterministically exercising on-demand paging.
func (s *Shard) EvictPartitionID(partID uint64) bool {
	for _, p := range s.table.Values() {
		if farm.Fingerprint64(p.PartKey) == partID {
			s.evictPartition(p)
			return true
		}
	}
	return false
}

func (s *Shard) onFlushResult(r flush.Result) {
	if r.Err != nil {
		return
	}
	wm := &s.groupWatermarks[r.GroupID]
	for {
		cur := wm.Load()
		if r.Offset <= cur {
			return
		}
		if wm.CompareAndSwap(cur, r.Offset) {
			return
		}
	}
}

func (s *Shard) handleFlushCommand(group uint32, ttlSeconds int) {
	var chunks []colstore.PartitionChunk
	for _, p := range s.table.Values() {
		if p.GroupID != group {
			continue
		}
		frozen, err := p.SwitchBuffers()
		if err != nil {
			level.Error(s.logger).Log("msg", "switchBuffers failed", "dataset", s.Dataset, "shard", s.Num, "group", group, "err", err)
			continue
		}
		if frozen == nil {
			continue
		}
		chunks = append(chunks, colstore.PartitionChunk{
			PartitionID: farm.Fingerprint64(p.PartKey),
			PartKey:     append([]byte(nil), p.PartKey...),
			Chunk:       frozen,
		})
	}

	bucket, err := s.index.SnapshotBucket(group)
	if err != nil {
		level.Error(s.logger).Log("msg", "snapshotBucket failed", "dataset", s.Dataset, "shard", s.Num, "group", group, "err", err)
	}

	err = s.pipeline.Enqueue(&flush.Group{
		Dataset:    s.Dataset,
		Shard:      s.Num,
		GroupID:    group,
		Offset:     s.latestOffset.Load(),
		TTLSeconds: ttlSeconds,
		Bucket:     bucket,
		Chunks:     chunks,
	})
	if err != nil {
		level.Error(s.logger).Log("msg", "enqueuing flush task failed", "dataset", s.Dataset, "shard", s.Num, "group", group, "err", err)
	}
}

// GroupWatermark reports the last offset durably flushed for group.
func (s *Shard) GroupWatermark(group uint32) int64 {
	if int(group) >= len(s.groupWatermarks) {
		return -1
	}
	return s.groupWatermarks[group].Load()
}

// LatestOffset reports the highest source offset observed so far.
func (s *Shard) LatestOffset() int64 { return s.latestOffset.Load() }

// MalformedKeyCount reports how many records were dropped for failing
// to resolve a partition key.
func (s *Shard) MalformedKeyCount() int64 { return s.malformedKeyCount.Load() }

// Index exposes the shard's label index for label-lookup operations
// delegated by the memstore façade.
func (s *Shard) Index() *partidx.Index { return s.index }

// ColumnStore exposes the shard's durable collaborator, used by the
// façade's on-demand paging path to fall back past chunksToKeep.
func (s *Shard) ColumnStore() colstore.ColumnStore { return s.cs }

// ScanPartitions returns the in-memory chunks of every partition
// matching filters whose time range intersects [start, end]. Returned
// chunks are retained; callers must Release each one.
func (s *Shard) ScanPartitions(filters map[string]string, start, end int64, limit int) []PartitionScan {
	ids := s.index.Filter(filters, start, end, limit)
	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	var out []PartitionScan
	for _, p := range s.table.Values() {
		id := farm.Fingerprint64(p.PartKey)
		if _, ok := want[id]; !ok {
			continue
		}
		chunks := p.Scan(start, end)
		if len(chunks) == 0 {
			continue
		}
		out = append(out, PartitionScan{PartitionID: id, PartKey: p.PartKey, Chunks: chunks})
	}
	return out
}

// ScanByPartitionIDs returns the in-memory chunks of every live
// partition in ids (or, if ids is empty, every partition) whose time
// range intersects [start, end]. Used by the façade's scanPartitions,
// which addresses partitions by id (colstore.PartMethod) rather than
// by label filter.
func (s *Shard) ScanByPartitionIDs(ids []uint64, start, end int64) []PartitionScan {
	var want map[uint64]struct{}
	if len(ids) > 0 {
		want = make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
	}

	var out []PartitionScan
	for _, p := range s.table.Values() {
		id := farm.Fingerprint64(p.PartKey)
		if want != nil {
			if _, ok := want[id]; !ok {
				continue
			}
		}
		chunks := p.Scan(start, end)
		if len(chunks) == 0 {
			continue
		}
		out = append(out, PartitionScan{PartitionID: id, PartKey: p.PartKey, Chunks: chunks})
	}
	return out
}

// ScanByPartitionIDsDurable behaves like ScanByPartitionIDs, then pages
// in any explicitly requested id this shard doesn't currently hold
// in-memory (evicted via tryEvict, or never observed since the last
// process restart) from the ColumnStore, merging its raw chunks into
// the result. This is what makes testable property 5 (ingest, flush,
// evict, then scan still yields exactly the ingested rows) hold: once
// evictPartition removes a partition from s.table, ScanByPartitionIDs
// alone can no longer see it at all. A nil cs or an empty ids (meaning
// "every partition") skips the durable lookup — there is no
// on-demand-paging fallback for an unbounded partition set.
func (s *Shard) ScanByPartitionIDsDurable(ctx context.Context, ids []uint64, start, end int64) ([]PartitionScan, error) {
	out := s.ScanByPartitionIDs(ids, start, end)
	if s.cs == nil || len(ids) == 0 {
		return out, nil
	}

	resident := make(map[uint64]struct{}, len(out))
	for _, scan := range out {
		resident[scan.PartitionID] = struct{}{}
	}

	var need []uint64
	for _, id := range ids {
		if _, ok := resident[id]; !ok {
			need = append(need, id)
		}
	}
	if len(need) == 0 {
		return out, nil
	}

	raw, err := s.cs.ReadRawPartitions(ctx, s.Dataset, nil, colstore.PartMethod{PartitionIDs: need, Start: start, End: end}, colstore.ChunkMethod{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("shard: reading raw partitions from column store: %w", err)
	}
	for rp := range raw {
		if len(rp.Chunks) == 0 {
			continue
		}
		for _, c := range rp.Chunks {
			c.Retain()
		}
		out = append(out, PartitionScan{PartitionID: rp.PartitionID, Chunks: rp.Chunks})
	}
	return out, nil
}

// PartKeysForIDs returns the raw partition-key bytes of every live
// partition in ids, regardless of whether it currently holds any
// frozen chunks. Used by partKeysWithFilters, which lists matching
// partitions rather than their data.
func (s *Shard) PartKeysForIDs(ids []uint64) [][]byte {
	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out [][]byte
	for _, p := range s.table.Values() {
		if _, ok := want[farm.Fingerprint64(p.PartKey)]; ok {
			out = append(out, p.PartKey)
		}
	}
	return out
}

// SetGroupWatermark installs a group's watermark directly, used by
// recoverStream to seed groupWatermarks from checkpoints before replay.
func (s *Shard) SetGroupWatermark(group uint32, offset int64) {
	if int(group) >= len(s.groupWatermarks) {
		return
	}
	s.groupWatermarks[group].Store(offset)
}

// Stop drains in-flight ingestion and flush work. It stops the
// ingestion loop first (so no new events are accepted), waits for the
// in-flight event to finish, then gives the flush pipeline up to
// cfg.FlushDrainTimeout to finish outstanding tasks before returning.
// On timeout Stop returns while those tasks keep running, and a task
// that later succeeds still advances its group's watermark through
// onFlushResult. Stop does not free the shard's buffer pool or close
// its index.
func (s *Shard) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	done := make(chan struct{})
	s.events <- shutdownEvent{done: done}
	<-done
	close(s.events)
	s.wg.Wait()

	drained := make(chan struct{})
	go func() {
		s.pipeline.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.cfg.FlushDrainTimeout):
		level.Warn(s.logger).Log("msg", "flush drain timed out, abandoning in-flight flushes", "dataset", s.Dataset, "shard", s.Num)
	}
}
