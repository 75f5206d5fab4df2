package partition

import (
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

func TestIngestRotatesOnChunkFull(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")
	p, err := New([]byte("host=a"), 0, ds, pool, 2, 10)
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, p.Ingest(schema.Record{RowKey: i, Values: []interface{}{float64(i)}}, i))
	}

	assert.Equal(t, int64(5), p.IngestedRows())
	assert.NotEmpty(t, p.FlushedChunks())
}

func TestSwitchBuffersEmptyIsNoop(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")
	p, err := New([]byte("host=a"), 0, ds, pool, 10, 10)
	require.NoError(t, err)

	c, err := p.SwitchBuffers()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSwitchBuffersFreezesActive(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")
	p, err := New([]byte("host=a"), 0, ds, pool, 10, 10)
	require.NoError(t, err)

	require.NoError(t, p.Ingest(schema.Record{RowKey: 1, Values: []interface{}{1.0}}, 0))
	require.NoError(t, p.Ingest(schema.Record{RowKey: 2, Values: []interface{}{2.0}}, 1))

	c, err := p.SwitchBuffers()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 2, c.Rows())

	// subsequent records land in the fresh active chunk, not the one
	// just frozen.
	require.NoError(t, p.Ingest(schema.Record{RowKey: 3, Values: []interface{}{3.0}}, 2))
	assert.Equal(t, 2, c.Rows())
}

func TestScanOnlyReturnsIntersectingChunks(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")
	p, err := New([]byte("host=a"), 0, ds, pool, 2, 10)
	require.NoError(t, err)

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, p.Ingest(schema.Record{RowKey: i, Values: []interface{}{float64(i)}}, i))
	}
	// two chunks of 2 rows each: [1,2] and [3,4]

	got := p.Scan(1, 2)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].MinRowKey())

	got = p.Scan(1, 4)
	assert.Len(t, got, 2)
}

func TestTableGetOrCreateAndRemove(t *testing.T) {
	tbl := NewTable()
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")

	key := []byte("host=a")
	p1, created := tbl.GetOrCreate(key, func() *Partition {
		p, _ := New(key, 0, ds, pool, 10, 10)
		return p
	})
	assert.True(t, created)

	p2, created := tbl.GetOrCreate(key, func() *Partition {
		t.Fatal("should not be called twice for the same key")
		return nil
	})
	assert.False(t, created)
	assert.Same(t, p1, p2)

	got, ok := tbl.Get(key)
	assert.True(t, ok)
	assert.Same(t, p1, got)

	tbl.Remove(key)
	_, ok = tbl.Get(key)
	assert.False(t, ok)
}

func TestTableValues(t *testing.T) {
	tbl := NewTable()
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")

	for _, k := range []string{"a", "b", "c"} {
		key := []byte(k)
		tbl.GetOrCreate(key, func() *Partition {
			p, _ := New(key, 0, ds, pool, 10, 10)
			return p
		})
	}

	assert.Len(t, tbl.Values(), 3)
	assert.Equal(t, 3, tbl.Len())
}
