// Package memstore is the MemStore façade of spec.md §4.9: the public
// entry point that owns per-(dataset, shard) Shards, wires them to a
// ColumnStore and downsample Publisher, and exposes setup, ingest,
// streaming ingestion, recovery, scanning and label-lookup operations.
// It mirrors the shape of friggdb's readerWriter/BlockStore pair: one
// struct implementing one small interface, constructed by New(cs,
// publisher, logger, reg).
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/memstore/boundedwaitgroup"
	"github.com/grafana/memstore/colstore"
	"github.com/grafana/memstore/ingeststream"
	"github.com/grafana/memstore/partidx"
	"github.com/grafana/memstore/schema"
	"github.com/grafana/memstore/shard"
)

type shardKey struct {
	dataset string
	shard   int
}

// MemStore is the per-node façade over every Shard this node currently
// hosts.
type MemStore struct {
	cs        colstore.ColumnStore
	publisher ingeststream.Publisher
	logger    log.Logger
	reg       prometheus.Registerer

	mu            sync.RWMutex
	shards        map[shardKey]*shard.Shard
	subscriptions map[shardKey]*IngestionHandle
}

// New builds a MemStore delegating durable storage to cs and
// downsampled output to publisher (nil disables downsample
// publishing). logger and reg may be nil.
func New(cs colstore.ColumnStore, publisher ingeststream.Publisher, logger log.Logger, reg prometheus.Registerer) *MemStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &MemStore{
		cs:            cs,
		publisher:     publisher,
		logger:        logger,
		reg:           reg,
		shards:        make(map[shardKey]*shard.Shard),
		subscriptions: make(map[shardKey]*IngestionHandle),
	}
}

// Setup allocates a Shard for (dataset, shardNum), validating ds and
// constructing the shard's native arena, partition table, index and
// flush pipeline. It fails with ErrShardAlreadySetup if the shard
// already exists; callers must Reset first to reuse the slot.
func (m *MemStore) Setup(dataset string, shardNum int, ds schema.Dataset, cfg shard.Config) error {
	rich, err := schema.Validate(ds)
	if err != nil {
		return err
	}

	key := shardKey{dataset, shardNum}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shards[key]; ok {
		return ErrShardAlreadySetup
	}

	var publisher ingeststream.Publisher
	if m.publisher != nil {
		publisher = m.publisher
		if err := publisher.Start(); err != nil {
			return fmt.Errorf("memstore: starting downsample publisher: %w", err)
		}
	}

	m.shards[key] = shard.New(dataset, shardNum, rich, cfg, m.cs, publisher, m.logger, nil)
	return nil
}

func (m *MemStore) shardFor(dataset string, shardNum int) (*shard.Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shards[shardKey{dataset, shardNum}]
	if !ok {
		return nil, ErrShardNotAssigned
	}
	return s, nil
}

// Ingest synchronously enqueues batch to (dataset, shardNum)'s
// ingestion input.
func (m *MemStore) Ingest(dataset string, shardNum int, batch schema.RecordBatch) error {
	s, err := m.shardFor(dataset, shardNum)
	if err != nil {
		return err
	}
	return s.Ingest(batch)
}

// FlushCommand enqueues a flush of group for (dataset, shardNum).
func (m *MemStore) FlushCommand(dataset string, shardNum int, group uint32, ttlSeconds int) error {
	s, err := m.shardFor(dataset, shardNum)
	if err != nil {
		return err
	}
	return s.FlushCommand(group, ttlSeconds)
}

// ScanPartitions returns the chunks of every partition selected by
// partMethod whose row-key range intersects chunkMethod's window. It
// fails with ErrShardNotAssigned if the shard is not local. When
// partMethod names explicit PartitionIDs, any of them no longer
// resident in the shard's in-memory table (evicted, or not yet
// recovered since a restart) are paged in from the ColumnStore, so
// ingest-flush-evict-then-scan still returns the full row set.
func (m *MemStore) ScanPartitions(ctx context.Context, dataset string, shardNum int, partMethod colstore.PartMethod, chunkMethod colstore.ChunkMethod) ([]shard.PartitionScan, error) {
	s, err := m.shardFor(dataset, shardNum)
	if err != nil {
		return nil, err
	}
	return s.ScanByPartitionIDsDurable(ctx, partMethod.PartitionIDs, chunkMethod.Start, chunkMethod.End)
}

// ScanAcrossShards runs ScanPartitions against every shard in shardNums
// concurrently, bounded to maxConcurrent in-flight shard scans at a
// time — the bounded fan-out SPEC_FULL.md §4.11 calls for when a
// blocklist-style query addresses many shards of one dataset at once.
// A zero or negative maxConcurrent defaults to len(shardNums) (no
// bound). Errors from individual shards are collected per shard rather
// than aborting the whole scan, since one missing shard shouldn't fail
// a query against the rest of the dataset.
func (m *MemStore) ScanAcrossShards(ctx context.Context, dataset string, shardNums []int, partMethod colstore.PartMethod, chunkMethod colstore.ChunkMethod, maxConcurrent int) (map[int][]shard.PartitionScan, map[int]error) {
	if maxConcurrent <= 0 {
		maxConcurrent = len(shardNums)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	results := make(map[int][]shard.PartitionScan, len(shardNums))
	errs := make(map[int]error)
	var mu sync.Mutex

	wg := boundedwaitgroup.New(uint(maxConcurrent))
	for _, shardNum := range shardNums {
		shardNum := shardNum
		wg.Add(1)
		go func() {
			defer wg.Done()
			scans, err := m.ScanPartitions(ctx, dataset, shardNum, partMethod, chunkMethod)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[shardNum] = err
				return
			}
			results[shardNum] = scans
		}()
	}
	wg.Wait()
	return results, errs
}

// LabelValues returns the distinct values observed for name on
// (dataset, shardNum), most frequent first.
func (m *MemStore) LabelValues(dataset string, shardNum int, name string) ([]partidx.ValueCount, error) {
	s, err := m.shardFor(dataset, shardNum)
	if err != nil {
		return nil, err
	}
	return s.Index().ValuesFor(name, 0), nil
}

// LabelValuesWithFilters returns the distinct values of name among
// only the partitions matching filters and intersecting [start, end].
func (m *MemStore) LabelValuesWithFilters(dataset string, shardNum int, name string, filters map[string]string, start, end int64) ([]string, error) {
	s, err := m.shardFor(dataset, shardNum)
	if err != nil {
		return nil, err
	}
	idx := s.Index()
	ids := idx.Filter(filters, start, end, 0)

	seen := make(map[string]struct{})
	var out []string
	for _, id := range ids {
		labels, ok := idx.LabelsFor(id)
		if !ok {
			continue
		}
		v, ok := labels[name]
		if !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// PartKeysWithFilters returns the raw partition keys matching filters
// and intersecting [start, end].
func (m *MemStore) PartKeysWithFilters(dataset string, shardNum int, filters map[string]string, start, end int64) ([][]byte, error) {
	s, err := m.shardFor(dataset, shardNum)
	if err != nil {
		return nil, err
	}
	ids := s.Index().Filter(filters, start, end, 0)
	return s.PartKeysForIDs(ids), nil
}

// IndexNames returns every label name known to (dataset, shardNum)'s
// index, a supplemented operation from the original design's index
// query surface (SPEC_FULL.md §4.12).
func (m *MemStore) IndexNames(dataset string, shardNum int) ([]string, error) {
	s, err := m.shardFor(dataset, shardNum)
	if err != nil {
		return nil, err
	}
	return s.Index().IndexNames(), nil
}

// RecoverIndex rebuilds (dataset, shardNum)'s PartitionKeyIndex from
// the durable store's persisted time buckets.
func (m *MemStore) RecoverIndex(ctx context.Context, dataset string, shardNum int) error {
	s, err := m.shardFor(dataset, shardNum)
	if err != nil {
		return err
	}
	cs := s.ColumnStore()
	if cs == nil {
		return nil
	}
	buckets, err := cs.ScanIndexBuckets(ctx, dataset, shardNum)
	if err != nil {
		return err
	}
	for b := range buckets {
		if err := s.Index().LoadBucket(b); err != nil {
			return fmt.Errorf("memstore: loading index bucket: %w", err)
		}
	}
	return nil
}

// Reset tears down every shard this node hosts, in the dependency
// order spec.md §4.9 prescribes: stop ingestion subscriptions → drain
// flushes → close index → release native arenas → stop downsample
// publishers → reset the durable store. Cancelling subscriptions and
// shard.Shard.Stop cover the first two steps; the index and native
// arena are not closed or freed explicitly and are dropped with the
// shard. The publisher and store are shared across shards so are
// handled once, last.
func (m *MemStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	shards := m.shards
	subs := m.subscriptions
	m.shards = make(map[shardKey]*shard.Shard)
	m.subscriptions = make(map[shardKey]*IngestionHandle)
	m.mu.Unlock()

	for _, h := range subs {
		h.Cancel()
	}
	for _, s := range shards {
		s.Stop()
	}
	if m.publisher != nil {
		if err := m.publisher.Stop(); err != nil {
			return err
		}
	}
	if m.cs != nil {
		return m.cs.Reset(ctx)
	}
	return nil
}

// Truncate resets every shard belonging to dataset and truncates its
// durable state, without affecting other datasets on this node.
func (m *MemStore) Truncate(ctx context.Context, dataset string) error {
	m.mu.Lock()
	var toStop []*shard.Shard
	var toCancel []*IngestionHandle
	for key, s := range m.shards {
		if key.dataset != dataset {
			continue
		}
		toStop = append(toStop, s)
		delete(m.shards, key)
		if h, ok := m.subscriptions[key]; ok {
			toCancel = append(toCancel, h)
			delete(m.subscriptions, key)
		}
	}
	m.mu.Unlock()

	for _, h := range toCancel {
		h.Cancel()
	}
	for _, s := range toStop {
		s.Stop()
	}
	if m.cs != nil {
		return m.cs.Truncate(ctx, dataset)
	}
	return nil
}

// Shutdown is an alias for Reset: the façade has no node-level state
// beyond its shard map, so a full shutdown and a full reset tear down
// identical resources.
func (m *MemStore) Shutdown(ctx context.Context) error {
	return m.Reset(ctx)
}
