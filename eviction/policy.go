// Package eviction implements the EvictionPolicy capability set of
// spec.md §4.6: shouldEvict(poolState) / selectVictims(table, n). The
// default WriteBufferFreeEvictionPolicy triggers on pool pressure and
// picks victims by ascending last-ingest time, mirroring the
// least-recently-used ordering friggdb's compactor_block_selector.go
// uses for choosing compaction candidates by age.
package eviction

import (
	"bytes"
	"sort"

	"github.com/grafana/memstore/partition"
)

// PoolState is the subset of nativebuf.Pool a policy needs to decide
// whether eviction should run.
type PoolState interface {
	BytesFree() int64
}

// Policy is the pluggable eviction capability set from spec.md §4.6.
type Policy interface {
	// ShouldEvict reports whether the pool is under enough pressure
	// that eviction should run before the next allocation.
	ShouldEvict(pool PoolState) bool
	// SelectVictims returns up to n candidate partitions to evict,
	// skipping any in the Flushing state.
	SelectVictims(candidates []*partition.Partition, n int) []*partition.Partition
}

// WriteBufferFreeEvictionPolicy is the default Policy: it fires when
// the pool's free bytes drop below minFree, and selects victims in
// ascending order of LastIngestTime, tie-broken lexicographically on
// partition key (spec.md §9 open question).
type WriteBufferFreeEvictionPolicy struct {
	MinFree int64
}

// New constructs the default eviction policy.
func New(minFree int64) *WriteBufferFreeEvictionPolicy {
	return &WriteBufferFreeEvictionPolicy{MinFree: minFree}
}

func (p *WriteBufferFreeEvictionPolicy) ShouldEvict(pool PoolState) bool {
	return pool.BytesFree() < p.MinFree
}

func (p *WriteBufferFreeEvictionPolicy) SelectVictims(candidates []*partition.Partition, n int) []*partition.Partition {
	eligible := make([]*partition.Partition, 0, len(candidates))
	for _, c := range candidates {
		if c.State() != partition.StateFlushing {
			eligible = append(eligible, c)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		ti, tj := eligible[i].LastIngestTime(), eligible[j].LastIngestTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return bytes.Compare(eligible[i].PartKey, eligible[j].PartKey) < 0
	})

	if n > 0 && len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible
}
