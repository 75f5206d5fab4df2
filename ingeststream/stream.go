// Package ingeststream implements the external IngestionStream /
// IngestionStreamFactory contracts of spec.md §6, plus the downsample
// Publisher sink, with two concrete adapters: a Kafka-backed factory
// built on franz-go's kgo client, and a CSV factory for local/batch
// replay and testing.
package ingeststream

import (
	"context"

	"github.com/grafana/memstore/schema"
)

// Stream is a lazy, restartable sequence of record batches. Next
// returns io.EOF once the stream is exhausted; any other error is
// terminal and surfaces to the caller as the stream's completion
// error, per spec.md §6.
type Stream interface {
	Next(ctx context.Context) (schema.RecordBatch, error)
	Close() error
}

// Factory creates a Stream for one (dataset, shard), optionally
// restarting from a given source offset. cfg is the free-form,
// stream-type-specific config map of spec.md §6.
type Factory interface {
	Create(cfg map[string]string, dataset string, shardNum int, offset *int64) (Stream, error)
}

// Publisher is the downstream sink for downsampled records flushed out
// of a group (spec.md §6), called from flush threads.
type Publisher interface {
	Start() error
	Publish(records []DownsampleRecord) error
	Stop() error
}

// DownsampleRecord is one record emitted to the Publisher after a
// successful flush; the memstore core treats the publisher as an
// opaque sink and never interprets its contents further.
type DownsampleRecord struct {
	Dataset   string
	Shard     int
	MinRowKey int64
	MaxRowKey int64
	Rows      int64
}
