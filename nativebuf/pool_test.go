package nativebuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateTracksBytesFree(t *testing.T) {
	p := New(2048, "test")
	assert.Equal(t, int64(2048), p.BytesFree())

	r, err := p.Allocate(100, "append")
	require.NoError(t, err)
	assert.Less(t, p.BytesFree(), int64(2048))
	assert.Contains(t, p.TagNames(), "append")

	p.Free(r)
	assert.Equal(t, int64(2048), p.BytesFree())
}

func TestAllocateExhausted(t *testing.T) {
	p := New(512, "test")

	_, err := p.Allocate(256, "a")
	require.NoError(t, err)

	_, err = p.Allocate(4096, "b")
	assert.ErrorIs(t, err, ErrBufferPoolExhausted)
}

func TestFreeReturnsToFreelist(t *testing.T) {
	p := New(1 << 20, "test")

	r1, err := p.Allocate(100, "a")
	require.NoError(t, err)
	before := p.BytesFree()
	p.Free(r1)

	r2, err := p.Allocate(100, "a")
	require.NoError(t, err)
	// recycled from the freelist, so the byte budget does not move twice
	assert.Equal(t, before, p.BytesFree())
	assert.Same(t, r1, r2)
}

func TestReclaimPermanentlyFreesBytes(t *testing.T) {
	p := New(1024, "test")

	_, err := p.Allocate(100, "evicted")
	require.NoError(t, err)

	p.Reclaim(256, "evicted")
	// Reclaim does not put the region on a freelist, so a subsequent
	// allocation for the same class must grow the arena again rather
	// than reusing the reclaimed region.
	_, err = p.Allocate(100, "evicted")
	require.NoError(t, err)
	assert.Equal(t, int64(1024-256), p.BytesFree())
}
