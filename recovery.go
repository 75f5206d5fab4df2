package memstore

import (
	"context"
	"io"
	"sync"

	"github.com/go-kit/log/level"

	"github.com/grafana/memstore/ingeststream"
	"github.com/grafana/memstore/schema"
)

// FlushSignal is one entry on the flush sub-stream ingestStream merges
// with its data sub-stream, requesting a FlushCommand for Group.
type FlushSignal struct {
	Group      uint32
	TTLSeconds int
}

// IngestionHandle is the cancellable handle returned by IngestStream.
// Cancellation unsubscribes from upstream, waits for the in-flight
// event to finish, and drains the flush pipeline up to
// Config.Shard.FlushDrainTimeout — delegated entirely to
// shard.Shard.Stop, since only one ingestStream subscription is ever
// active per shard. The shard's buffer pool is not freed explicitly.
type IngestionHandle struct {
	cancel context.CancelFunc
	stream ingeststream.Stream

	once sync.Once
	done chan struct{}
}

// Cancel halts the subscription. It blocks until teardown completes.
func (h *IngestionHandle) Cancel() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
}

// IngestStream subscribes (dataset, shardNum) to the merge of
// dataStream and flushStream, per spec.md §4.9. Only one subscription
// may be active per shard at a time; a second call returns
// ErrIngestionAlreadySubscribed.
func (m *MemStore) IngestStream(dataset string, shardNum int, dataStream ingeststream.Stream, flushStream <-chan FlushSignal) (*IngestionHandle, error) {
	key := shardKey{dataset, shardNum}

	m.mu.Lock()
	s, ok := m.shards[key]
	if !ok {
		m.mu.Unlock()
		return nil, ErrShardNotAssigned
	}
	if _, subscribed := m.subscriptions[key]; subscribed {
		m.mu.Unlock()
		return nil, ErrIngestionAlreadySubscribed
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &IngestionHandle{cancel: cancel, stream: dataStream, done: make(chan struct{})}
	m.subscriptions[key] = h
	m.mu.Unlock()

	go m.runIngestStream(ctx, key, s, dataStream, flushStream, h)
	return h, nil
}

func (m *MemStore) runIngestStream(ctx context.Context, key shardKey, s interface {
	Ingest(schema.RecordBatch) error
	FlushCommand(uint32, int) error
	Stop()
}, dataStream ingeststream.Stream, flushStream <-chan FlushSignal, h *IngestionHandle) {
	defer func() {
		dataStream.Close()
		s.Stop()
		m.mu.Lock()
		delete(m.subscriptions, key)
		m.mu.Unlock()
		close(h.done)
	}()

	batches := make(chan schema.RecordBatch)
	streamErr := make(chan error, 1)
	go func() {
		for {
			batch, err := dataStream.Next(ctx)
			if err != nil {
				if err != io.EOF {
					streamErr <- err
				}
				close(batches)
				return
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				close(batches)
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-streamErr:
			level.Error(m.logger).Log("msg", "ingestion stream terminated with an error", "dataset", key.dataset, "shard", key.shard, "err", err)
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			if err := s.Ingest(batch); err != nil {
				return
			}
		case sig, ok := <-flushStream:
			if !ok {
				flushStream = nil
				continue
			}
			if err := s.FlushCommand(sig.Group, sig.TTLSeconds); err != nil {
				return
			}
		}
	}
}

// RecoverProgress is one event on the channel RecoverStream returns:
// the current source offset replay has reached.
type RecoverProgress struct {
	Offset int64
	Done   bool
}

// RecoverStream installs per-group watermarks from checkpoints, then
// replays stream from start to end invoking Ingest for every record;
// no flushes are emitted during recovery. It returns a channel
// emitting the current offset every reportInterval source units and a
// final Done event at end (SPEC_FULL.md §4.12's ticking progress
// cadence).
func (m *MemStore) RecoverStream(dataset string, shardNum int, stream ingeststream.Stream, start, end int64, checkpoints map[uint32]int64, reportInterval int64) (<-chan RecoverProgress, error) {
	s, err := m.shardFor(dataset, shardNum)
	if err != nil {
		return nil, err
	}

	// An inverted range (an explicit end before start) names an empty
	// window: yield an empty progress sequence without touching the
	// stream, watermarks, or the shard at all (spec.md §8).
	if end > 0 && end < start {
		progress := make(chan RecoverProgress)
		close(progress)
		return progress, nil
	}

	for g, offset := range checkpoints {
		s.SetGroupWatermark(g, offset)
	}

	progress := make(chan RecoverProgress, 1)
	go func() {
		defer close(progress)
		defer stream.Close()

		ctx := context.Background()
		lastReport := start
		for {
			batch, err := stream.Next(ctx)
			if err != nil {
				if err != io.EOF {
					level.Error(m.logger).Log("msg", "recovery stream terminated with an error", "dataset", dataset, "shard", shardNum, "err", err)
				}
				break
			}
			if err := s.Ingest(batch); err != nil {
				level.Error(m.logger).Log("msg", "recovery ingest failed", "dataset", dataset, "shard", shardNum, "err", err)
				break
			}
			if reportInterval > 0 && batch.Offset-lastReport >= reportInterval {
				lastReport = batch.Offset
				progress <- RecoverProgress{Offset: batch.Offset}
			}
			if end > 0 && batch.Offset >= end {
				break
			}
		}
		progress <- RecoverProgress{Offset: end, Done: true}
	}()
	return progress, nil
}
