package chunkenc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestBuilderAppendAndFreeze(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")

	b, err := NewBuilder(ds, pool, 10)
	require.NoError(t, err)

	require.NoError(t, b.Append(schema.Record{RowKey: 1, Values: []interface{}{1.0}}))
	require.NoError(t, b.Append(schema.Record{RowKey: 2, Values: []interface{}{2.0}}))

	assert.Equal(t, 2, b.Rows())

	c, err := b.Freeze()
	require.NoError(t, err)
	assert.Equal(t, 2, c.Rows())
	assert.Equal(t, int64(1), c.MinRowKey())
	assert.Equal(t, int64(2), c.MaxRowKey())

	col, ok := c.Column("value")
	require.True(t, ok)
	assert.Equal(t, []float64{1.0, 2.0}, DecodeDoubleColumn(col))
}

func TestBuilderRejectsOutOfOrderRowKey(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")
	b, err := NewBuilder(ds, pool, 10)
	require.NoError(t, err)

	require.NoError(t, b.Append(schema.Record{RowKey: 5, Values: []interface{}{1.0}}))
	err = b.Append(schema.Record{RowKey: 1, Values: []interface{}{2.0}})
	assert.Error(t, err)
}

func TestBuilderFullReturnsErrChunkFull(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")
	b, err := NewBuilder(ds, pool, 1)
	require.NoError(t, err)

	require.NoError(t, b.Append(schema.Record{RowKey: 1, Values: []interface{}{1.0}}))
	err = b.Append(schema.Record{RowKey: 2, Values: []interface{}{2.0}})
	assert.ErrorIs(t, err, ErrChunkFull)
}

func TestFreezeReturnsBuffersToPool(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(4096, "test")
	before := pool.BytesFree()

	b, err := NewBuilder(ds, pool, 10)
	require.NoError(t, err)
	require.Less(t, pool.BytesFree(), before)

	_, err = b.Freeze()
	require.NoError(t, err)
	assert.Equal(t, before, pool.BytesFree())
}

func TestChunkEncodeDecodeRoundTrip(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")
	b, err := NewBuilder(ds, pool, 10)
	require.NoError(t, err)

	require.NoError(t, b.Append(schema.Record{RowKey: 1, Values: []interface{}{1.5}}))
	require.NoError(t, b.Append(schema.Record{RowKey: 2, Values: []interface{}{2.5}}))
	c, err := b.Freeze()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf))

	decoded, err := DecodeChunk("ts", &buf)
	require.NoError(t, err)
	assert.Equal(t, c.Rows(), decoded.Rows())
	assert.Equal(t, c.MinRowKey(), decoded.MinRowKey())
	assert.Equal(t, c.MaxRowKey(), decoded.MaxRowKey())

	col, ok := decoded.Column("value")
	require.True(t, ok)
	assert.Equal(t, []float64{1.5, 2.5}, DecodeDoubleColumn(col))
}

func TestChunkIntersects(t *testing.T) {
	c := &Chunk{minRowKey: 10, maxRowKey: 20}
	assert.True(t, c.Intersects(15, 25))
	assert.True(t, c.Intersects(0, 10))
	assert.False(t, c.Intersects(21, 30))
	assert.False(t, c.Intersects(0, 9))
}
