package partidx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddKeyAndFilter(t *testing.T) {
	idx := New(4, 16)

	idx.AddKey(1, map[string]string{"host": "a"})
	idx.AddKey(2, map[string]string{"host": "b"})
	idx.AddKey(3, map[string]string{"host": "a"})

	idx.Observe(1, 10)
	idx.Observe(2, 20)
	idx.Observe(3, 30)

	got := idx.Filter(map[string]string{"host": "a"}, 0, 100, 0)
	assert.Equal(t, []uint64{1, 3}, got)

	got = idx.Filter(map[string]string{"host": "a"}, 0, 15, 0)
	assert.Equal(t, []uint64{1}, got)
}

func TestRemoveKey(t *testing.T) {
	idx := New(4, 16)
	idx.AddKey(1, map[string]string{"host": "a"})
	idx.RemoveKey(1)

	got := idx.Filter(map[string]string{"host": "a"}, 0, 100, 0)
	assert.Empty(t, got)
}

func TestValuesForTopKOrdering(t *testing.T) {
	idx := New(4, 16)
	idx.AddKey(1, map[string]string{"host": "a"})
	idx.AddKey(2, map[string]string{"host": "a"})
	idx.AddKey(3, map[string]string{"host": "b"})
	idx.AddKey(4, map[string]string{"host": "c"})

	got := idx.ValuesFor("host", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Value)
	assert.Equal(t, 2, got[0].Count)
}

func TestSnapshotBucketIsMonotonicPerGroup(t *testing.T) {
	idx := New(2, 16)
	idx.AddKey(1, map[string]string{"host": "a"})

	var g uint32
	for ; g < 2; g++ {
		b, err := idx.SnapshotBucket(g)
		require.NoError(t, err)
		if len(b) > 0 {
			break
		}
	}

	// a second snapshot for the same group, with no new mutations,
	// must be empty.
	b2, err := idx.SnapshotBucket(g)
	require.NoError(t, err)
	assert.Empty(t, b2)
}

func TestLoadBucketReplaysMutations(t *testing.T) {
	idx := New(2, 16)
	idx.AddKey(1, map[string]string{"host": "a"})

	var bucket []byte
	for g := uint32(0); g < 2; g++ {
		b, err := idx.SnapshotBucket(g)
		require.NoError(t, err)
		if len(b) > 0 {
			bucket = b
		}
	}
	require.NotEmpty(t, bucket)

	fresh := New(2, 16)
	require.NoError(t, fresh.LoadBucket(bucket))

	got := fresh.Filter(map[string]string{"host": "a"}, 0, 0, 0)
	assert.Equal(t, []uint64{1}, got)
}

func TestIndexNames(t *testing.T) {
	idx := New(4, 16)
	idx.AddKey(1, map[string]string{"host": "a", "region": "us"})
	assert.ElementsMatch(t, []string{"host", "region"}, idx.IndexNames())
}
