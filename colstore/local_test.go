package colstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/memstore/chunkenc"
	"github.com/grafana/memstore/nativebuf"
	"github.com/grafana/memstore/schema"
)

func testDataset(t *testing.T) *schema.RichDataset {
	t.Helper()
	ds, err := schema.Validate(schema.Dataset{
		Name:             "ts",
		PartitionColumns: []schema.Column{{Name: "tags", Type: schema.ColMap}},
		RowKeyColumns:    []schema.Column{{Name: "timestamp", Type: schema.ColLong}},
		DataColumns:      []schema.Column{{Name: "value", Type: schema.ColDouble}},
	})
	require.NoError(t, err)
	return ds
}

func buildChunk(t *testing.T, ds *schema.RichDataset) *chunkenc.Chunk {
	t.Helper()
	pool := nativebuf.New(1<<20, "test")
	b, err := chunkenc.NewBuilder(ds, pool, 10)
	require.NoError(t, err)
	require.NoError(t, b.Append(schema.Record{RowKey: 1, Values: []interface{}{1.0}}))
	require.NoError(t, b.Append(schema.Record{RowKey: 2, Values: []interface{}{2.0}}))
	c, err := b.Freeze()
	require.NoError(t, err)
	return c
}

func TestLocalBackendWriteAndReadRawPartitions(t *testing.T) {
	ds := testDataset(t)
	backend, err := NewLocal(LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)

	chunk := buildChunk(t, ds)
	ctx := context.Background()

	err = backend.WriteChunks(ctx, "ts", 0, 0, 1, []PartitionChunk{
		{PartitionID: 7, PartKey: []byte("host=a"), Chunk: chunk},
	}, 3600)
	require.NoError(t, err)

	require.NoError(t, backend.WriteIndexTimeBucket(ctx, "ts", 0, 0, 1, []byte("bucket-blob")))

	out, err := backend.ReadRawPartitions(ctx, "ts", nil, PartMethod{}, ChunkMethod{Start: 0, End: 10})
	require.NoError(t, err)

	var got []RawPartData
	for d := range out {
		got = append(got, d)
	}
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].PartitionID)
	require.Len(t, got[0].Chunks, 1)
	assert.Equal(t, 2, got[0].Chunks[0].Rows())

	buckets, err := backend.ScanIndexBuckets(ctx, "ts", 0)
	require.NoError(t, err)
	var bucketCount int
	for b := range buckets {
		assert.Equal(t, []byte("bucket-blob"), b)
		bucketCount++
	}
	assert.Equal(t, 1, bucketCount)

	require.NoError(t, backend.Truncate(ctx, "ts"))
	out, err = backend.ReadRawPartitions(ctx, "ts", nil, PartMethod{}, ChunkMethod{Start: 0, End: 10})
	require.NoError(t, err)
	assert.Empty(t, out)
}
