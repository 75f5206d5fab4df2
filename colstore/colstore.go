// Package colstore declares the ColumnStore contract of spec.md §6 — the
// durable, external collaborator memstore delegates chunk and index
// persistence to — plus two concrete adapters. The memstore core only
// ever depends on the ColumnStore interface.
package colstore

import (
	"context"

	"github.com/grafana/memstore/chunkenc"
)

// PartMethod selects which partitions readRawPartitions should return.
type PartMethod struct {
	PartitionIDs []uint64 // empty means "every partition in range"
	Start, End   int64
}

// ChunkMethod selects the row-key window within each selected partition.
type ChunkMethod struct {
	Start, End int64
}

// RawPartData is one partition's raw chunk bytes as persisted, returned
// by on-demand paging reads.
type RawPartData struct {
	PartitionID uint64
	Chunks      []*chunkenc.Chunk
}

// PartitionChunk pairs one frozen chunk with the partition it belongs
// to, the unit WriteChunks persists many of per flush (spec.md §3's
// "flushedChunks" ordered per partition, batched per group at flush
// time).
type PartitionChunk struct {
	PartitionID uint64
	PartKey     []byte
	Chunk       *chunkenc.Chunk
}

// ColumnStore is the durable store memstore flushes chunks and index
// time buckets to, and pages historical chunks back from. Flush units
// are addressed by (dataset, shard, group, offset) and writes must be
// idempotent under retry (spec.md §4.8).
type ColumnStore interface {
	WriteChunks(ctx context.Context, dataset string, shard int, group uint32, offset int64, chunks []PartitionChunk, ttlSeconds int) error
	WriteIndexTimeBucket(ctx context.Context, dataset string, shard int, group uint32, offset int64, bucket []byte) error
	ReadRawPartitions(ctx context.Context, dataset string, columnIDs []string, partMethod PartMethod, chunkMethod ChunkMethod) (<-chan RawPartData, error)
	ScanIndexBuckets(ctx context.Context, dataset string, shard int) (<-chan []byte, error)
	Truncate(ctx context.Context, dataset string) error
	Reset(ctx context.Context) error
}
