// Package partition implements Partition and PartitionTable: the
// per-series append-buffer state and the concurrent map that owns it.
// PartitionTable's bucket layout generalizes the copy-on-write
// discipline friggdb.readerWriter uses for its blockLists (writers
// replace a slice under a lock/single-writer constraint, readers load
// an atomic pointer with no lock at all) to an open-addressed hash
// table keyed by arbitrary partition-key bytes.
package partition

import (
	"bytes"
	"sync/atomic"
	"unsafe"

	farm "github.com/dgryski/go-farm"
)

const numBuckets = 1 << 14 // power of two, fixed at table creation

type entry struct {
	key  []byte
	part *Partition
}

type bucket struct {
	entries []*entry
}

// Table is a lock-free mapping from partition-key bytes to *Partition.
// Writes (GetOrCreate/Remove) are only ever called from a shard's
// single ingestion thread; Get and Values are safe from any thread.
type Table struct {
	buckets []unsafe.Pointer // *bucket, one per hash slot
	count   int64
}

// NewTable creates an empty partition table.
func NewTable() *Table {
	t := &Table{buckets: make([]unsafe.Pointer, numBuckets)}
	empty := &bucket{}
	for i := range t.buckets {
		atomic.StorePointer(&t.buckets[i], unsafe.Pointer(empty))
	}
	return t
}

func (t *Table) slot(key []byte) int {
	return int(farm.Fingerprint64(key) % uint64(numBuckets))
}

func (t *Table) loadBucket(slot int) *bucket {
	return (*bucket)(atomic.LoadPointer(&t.buckets[slot]))
}

// Get looks up a partition by key; safe from any thread.
func (t *Table) Get(key []byte) (*Partition, bool) {
	b := t.loadBucket(t.slot(key))
	for _, e := range b.entries {
		if bytes.Equal(e.key, key) {
			return e.part, true
		}
	}
	return nil, false
}

// GetOrCreate returns the existing partition for key, or creates one
// via newFn and installs it. Only ever called from the ingestion
// thread: the copy-on-write bucket replacement assumes a single
// writer, matching spec.md §4.4.
func (t *Table) GetOrCreate(key []byte, newFn func() *Partition) (*Partition, bool) {
	slot := t.slot(key)
	b := t.loadBucket(slot)
	for _, e := range b.entries {
		if bytes.Equal(e.key, key) {
			return e.part, false
		}
	}

	p := newFn()
	if p == nil {
		// newFn failed (e.g. buffer pool exhausted on creation); leave
		// the table untouched so the caller can retry after eviction.
		return nil, false
	}
	newEntries := make([]*entry, len(b.entries), len(b.entries)+1)
	copy(newEntries, b.entries)
	newEntries = append(newEntries, &entry{key: key, part: p})
	atomic.StorePointer(&t.buckets[slot], unsafe.Pointer(&bucket{entries: newEntries}))
	atomic.AddInt64(&t.count, 1)
	return p, true
}

// Remove deletes key from the table. Only ever called from the
// ingestion thread.
func (t *Table) Remove(key []byte) {
	slot := t.slot(key)
	b := t.loadBucket(slot)

	found := false
	newEntries := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		if bytes.Equal(e.key, key) {
			found = true
			continue
		}
		newEntries = append(newEntries, e)
	}
	if !found {
		return
	}
	atomic.StorePointer(&t.buckets[slot], unsafe.Pointer(&bucket{entries: newEntries}))
	atomic.AddInt64(&t.count, -1)
}

// Len reports the approximate number of partitions currently held.
func (t *Table) Len() int {
	return int(atomic.LoadInt64(&t.count))
}

// Values returns a weakly-consistent snapshot of every partition
// currently in the table.
func (t *Table) Values() []*Partition {
	out := make([]*Partition, 0, t.Len())
	for i := range t.buckets {
		b := t.loadBucket(i)
		for _, e := range b.entries {
			out = append(out, e.part)
		}
	}
	return out
}
