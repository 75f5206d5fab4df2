package memstore

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/memstore/colstore"
	"github.com/grafana/memstore/schema"
	"github.com/grafana/memstore/shard"
)

func testDataset() schema.Dataset {
	return schema.Dataset{
		Name:             "ts",
		PartitionColumns: []schema.Column{{Name: "host", Type: schema.ColString}},
		RowKeyColumns:    []schema.Column{{Name: "timestamp", Type: schema.ColLong}},
		DataColumns:      []schema.Column{{Name: "value", Type: schema.ColDouble}},
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSetupRejectsDuplicateShard(t *testing.T) {
	store, err := colstore.NewLocal(colstore.LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)

	m := New(store, nil, nil, nil)
	require.NoError(t, m.Setup("ts", 0, testDataset(), shard.Config{GroupsPerShard: 1}))
	assert.ErrorIs(t, m.Setup("ts", 0, testDataset(), shard.Config{GroupsPerShard: 1}), ErrShardAlreadySetup)
}

func TestIngestFlushAndScanRoundTrip(t *testing.T) {
	store, err := colstore.NewLocal(colstore.LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)

	m := New(store, nil, nil, nil)
	require.NoError(t, m.Setup("ts", 0, testDataset(), shard.Config{GroupsPerShard: 1, MaxChunkRows: 10, ChunksToKeep: 2}))

	require.NoError(t, m.Ingest("ts", 0, schema.RecordBatch{
		Offset: 1,
		Records: []schema.Record{
			{Labels: map[string]string{"host": "a"}, RowKey: 1, Values: []interface{}{1.0}},
			{Labels: map[string]string{"host": "a"}, RowKey: 2, Values: []interface{}{2.0}},
		},
	}))
	require.NoError(t, m.FlushCommand("ts", 0, 0, 3600))

	s, err := m.shardFor("ts", 0)
	require.NoError(t, err)
	waitUntil(t, 2*time.Second, func() bool { return s.GroupWatermark(0) == 1 })

	scans, err := m.ScanPartitions(context.Background(), "ts", 0, colstore.PartMethod{Start: 0, End: 5}, colstore.ChunkMethod{Start: 0, End: 5})
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, 2, scans[0].Chunks[0].Rows())
	for _, c := range scans[0].Chunks {
		c.Release()
	}

	values, err := m.LabelValues("ts", 0, "host")
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "a", values[0].Value)

	names, err := m.IndexNames("ts", 0)
	require.NoError(t, err)
	assert.Contains(t, names, "host")
}

func TestScanAcrossShardsBoundedFanOut(t *testing.T) {
	store, err := colstore.NewLocal(colstore.LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)

	m := New(store, nil, nil, nil)
	for shardNum := 0; shardNum < 3; shardNum++ {
		require.NoError(t, m.Setup("ts", shardNum, testDataset(), shard.Config{GroupsPerShard: 1, MaxChunkRows: 10, ChunksToKeep: 2}))
		require.NoError(t, m.Ingest("ts", shardNum, schema.RecordBatch{
			Offset:  1,
			Records: []schema.Record{{Labels: map[string]string{"host": "a"}, RowKey: 1, Values: []interface{}{1.0}}},
		}))
		require.NoError(t, m.FlushCommand("ts", shardNum, 0, 3600))
	}

	for shardNum := 0; shardNum < 3; shardNum++ {
		s, err := m.shardFor("ts", shardNum)
		require.NoError(t, err)
		waitUntil(t, 2*time.Second, func() bool { return s.GroupWatermark(0) == 1 })
	}

	results, errs := m.ScanAcrossShards(context.Background(), "ts", []int{0, 1, 2, 99}, colstore.PartMethod{Start: 0, End: 5}, colstore.ChunkMethod{Start: 0, End: 5}, 2)
	assert.Empty(t, errs[0])
	assert.Empty(t, errs[1])
	assert.Empty(t, errs[2])
	assert.ErrorIs(t, errs[99], ErrShardNotAssigned)
	for shardNum := 0; shardNum < 3; shardNum++ {
		require.Len(t, results[shardNum], 1)
		for _, c := range results[shardNum][0].Chunks {
			c.Release()
		}
	}
}

func TestScanPartitionsPagesInEvictedPartitionFromColumnStore(t *testing.T) {
	store, err := colstore.NewLocal(colstore.LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)

	m := New(store, nil, nil, nil)
	require.NoError(t, m.Setup("ts", 0, testDataset(), shard.Config{GroupsPerShard: 1, MaxChunkRows: 10, ChunksToKeep: 2}))

	require.NoError(t, m.Ingest("ts", 0, schema.RecordBatch{
		Offset: 1,
		Records: []schema.Record{
			{Labels: map[string]string{"host": "a"}, RowKey: 1, Values: []interface{}{1.0}},
			{Labels: map[string]string{"host": "a"}, RowKey: 2, Values: []interface{}{2.0}},
		},
	}))
	require.NoError(t, m.FlushCommand("ts", 0, 0, 3600))

	s, err := m.shardFor("ts", 0)
	require.NoError(t, err)
	waitUntil(t, 2*time.Second, func() bool { return s.GroupWatermark(0) == 1 })

	ids := s.Index().Filter(map[string]string{"host": "a"}, 0, 5, 0)
	require.Len(t, ids, 1)
	partID := ids[0]

	require.True(t, s.EvictPartitionID(partID))
	assert.Empty(t, s.ScanByPartitionIDs(nil, 0, 5)) // gone from memory entirely

	scans, err := m.ScanPartitions(context.Background(), "ts", 0,
		colstore.PartMethod{PartitionIDs: []uint64{partID}, Start: 0, End: 5},
		colstore.ChunkMethod{Start: 0, End: 5})
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, partID, scans[0].PartitionID)
	require.Len(t, scans[0].Chunks, 1)
	assert.Equal(t, 2, scans[0].Chunks[0].Rows())
	for _, c := range scans[0].Chunks {
		c.Release()
	}
}

func TestScanUnassignedShardFails(t *testing.T) {
	m := New(nil, nil, nil, nil)
	_, err := m.ScanPartitions(context.Background(), "missing", 0, colstore.PartMethod{}, colstore.ChunkMethod{})
	assert.ErrorIs(t, err, ErrShardNotAssigned)
}

type sliceStream struct {
	batches []schema.RecordBatch
	i       int
}

func (s *sliceStream) Next(ctx context.Context) (schema.RecordBatch, error) {
	if s.i >= len(s.batches) {
		return schema.RecordBatch{}, io.EOF
	}
	b := s.batches[s.i]
	s.i++
	return b, nil
}

func (s *sliceStream) Close() error { return nil }

func TestIngestStreamRejectsSecondSubscription(t *testing.T) {
	store, err := colstore.NewLocal(colstore.LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)

	m := New(store, nil, nil, nil)
	require.NoError(t, m.Setup("ts", 0, testDataset(), shard.Config{GroupsPerShard: 1}))

	stream1 := &sliceStream{}
	h, err := m.IngestStream("ts", 0, stream1, nil)
	require.NoError(t, err)
	defer h.Cancel()

	_, err = m.IngestStream("ts", 0, &sliceStream{}, nil)
	assert.ErrorIs(t, err, ErrIngestionAlreadySubscribed)
}

func TestRecoverStreamInvertedRangeYieldsEmptySequence(t *testing.T) {
	store, err := colstore.NewLocal(colstore.LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)

	m := New(store, nil, nil, nil)
	require.NoError(t, m.Setup("ts", 0, testDataset(), shard.Config{GroupsPerShard: 1}))

	stream := &sliceStream{batches: []schema.RecordBatch{
		{Offset: 5, Records: []schema.Record{{Labels: map[string]string{"host": "a"}, RowKey: 5, Values: []interface{}{1.0}}}},
	}}

	progress, err := m.RecoverStream("ts", 0, stream, 15, 5, nil, 1)
	require.NoError(t, err)

	var events []RecoverProgress
	for p := range progress {
		events = append(events, p)
	}
	assert.Empty(t, events)
	assert.Equal(t, 0, stream.i) // the stream was never read from
}

func TestRecoverStreamReplaysWithoutFlushing(t *testing.T) {
	store, err := colstore.NewLocal(colstore.LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)

	m := New(store, nil, nil, nil)
	require.NoError(t, m.Setup("ts", 0, testDataset(), shard.Config{GroupsPerShard: 1, MaxChunkRows: 100, ChunksToKeep: 2}))

	stream := &sliceStream{batches: []schema.RecordBatch{
		{Offset: 5, Records: []schema.Record{{Labels: map[string]string{"host": "a"}, RowKey: 5, Values: []interface{}{1.0}}}},
		{Offset: 10, Records: []schema.Record{{Labels: map[string]string{"host": "a"}, RowKey: 10, Values: []interface{}{2.0}}}},
		{Offset: 15, Records: []schema.Record{{Labels: map[string]string{"host": "a"}, RowKey: 15, Values: []interface{}{3.0}}}},
	}}

	progress, err := m.RecoverStream("ts", 0, stream, 5, 15, map[uint32]int64{0: -1}, 5)
	require.NoError(t, err)

	var last RecoverProgress
	for p := range progress {
		last = p
	}
	assert.True(t, last.Done)

	s, err := m.shardFor("ts", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), s.GroupWatermark(0))

	// The replayed rows are still sitting in the active (unfrozen)
	// builder — never flushed, since RecoverStream never calls
	// FlushCommand — but they must still be visible to a scan: no
	// read-your-write lag is allowed for rows that have been
	// successfully ingested.
	scans, err := m.ScanPartitions(context.Background(), "ts", 0, colstore.PartMethod{}, colstore.ChunkMethod{Start: 0, End: 20})
	require.NoError(t, err)
	require.Len(t, scans, 1)
	require.Len(t, scans[0].Chunks, 1)
	assert.Equal(t, 3, scans[0].Chunks[0].Rows())
	for _, c := range scans[0].Chunks {
		c.Release()
	}
}
