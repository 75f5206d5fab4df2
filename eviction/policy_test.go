package eviction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/memstore/nativebuf"
	"github.com/grafana/memstore/partition"
	"github.com/grafana/memstore/schema"
)

type fakePool struct{ free int64 }

func (f fakePool) BytesFree() int64 { return f.free }

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

func TestShouldEvictThreshold(t *testing.T) {
	p := New(1024)
	assert.True(t, p.ShouldEvict(fakePool{free: 100}))
	assert.False(t, p.ShouldEvict(fakePool{free: 2000}))
}

func TestSelectVictimsOrdersByLastIngestTime(t *testing.T) {
	ds := testDataset(t)
	pool := nativebuf.New(1<<20, "test")

	a, err := partition.New([]byte("a"), 0, ds, pool, 10, 10)
	require.NoError(t, err)
	b, err := partition.New([]byte("b"), 0, ds, pool, 10, 10)
	require.NoError(t, err)
	c, err := partition.New([]byte("c"), 0, ds, pool, 10, 10)
	require.NoError(t, err)

	require.NoError(t, b.Ingest(schema.Record{RowKey: 1, Values: []interface{}{1.0}}, 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, a.Ingest(schema.Record{RowKey: 1, Values: []interface{}{1.0}}, 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Ingest(schema.Record{RowKey: 1, Values: []interface{}{1.0}}, 0))

	policy := New(1 << 30)
	victims := policy.SelectVictims([]*partition.Partition{a, b, c}, 2)
	require.Len(t, victims, 2)
	assert.Equal(t, "b", string(victims[0].PartKey))
	assert.Equal(t, "a", string(victims[1].PartKey))
}
