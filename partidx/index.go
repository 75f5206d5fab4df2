// Package partidx implements the PartitionKeyIndex: a per-shard
// inverted index from label key/value pairs to the set of active
// partition ids, with per-group time-bucketed snapshots for durable
// persistence. Postings lists are replaced copy-on-write on update
// rather than mutated in place, borrowing the discipline
// friggdb.readerWriter uses for its blockLists; every read still takes
// the index's read lock, so reads are not lock-free. Negative membership checks are
// accelerated with a bloom filter the way friggdb.Find gates its
// per-block index scan with compactorBlock.bloom().
package partidx

import (
	"encoding/json"
	"sort"
	"sync"

	bloomz "github.com/dgraph-io/ristretto/z"
	farm "github.com/dgryski/go-farm"
)

// TimeRange is the observed [min,max] row-key range of a partition.
type TimeRange struct {
	Min, Max int64
}

type postingList struct {
	// partition ids holding this label value, sorted ascending.
	ids []uint64
}

func (p *postingList) add(id uint64) *postingList {
	i := sort.Search(len(p.ids), func(i int) bool { return p.ids[i] >= id })
	if i < len(p.ids) && p.ids[i] == id {
		return p
	}
	out := make([]uint64, 0, len(p.ids)+1)
	out = append(out, p.ids[:i]...)
	out = append(out, id)
	out = append(out, p.ids[i:]...)
	return &postingList{ids: out}
}

func (p *postingList) remove(id uint64) *postingList {
	out := make([]uint64, 0, len(p.ids))
	for _, x := range p.ids {
		if x != id {
			out = append(out, x)
		}
	}
	return &postingList{ids: out}
}

// mutation is one index change recorded for the next snapshotBucket of
// the owning group.
type mutation struct {
	PartID uint64            `json:"partId"`
	Labels map[string]string `json:"labels"`
	Removed bool             `json:"removed,omitempty"`
}

// Index is one shard's label postings index.
type Index struct {
	groupsPerShard uint32

	mu       sync.RWMutex
	postings map[string]map[string]*postingList // label name -> value -> ids
	labels   map[uint64]map[string]string       // partId -> its labels, for removeKey
	ranges   map[uint64]TimeRange

	bloom *bloomz.Bloom

	pending map[uint32][]mutation // group -> mutations since last snapshot
}

// New creates an Index for a shard with groupsPerShard flush groups.
func New(groupsPerShard uint32, expectedPartitions int) *Index {
	return &Index{
		groupsPerShard: groupsPerShard,
		postings:       make(map[string]map[string]*postingList),
		labels:         make(map[uint64]map[string]string),
		ranges:         make(map[uint64]TimeRange),
		bloom:          bloomz.NewBloomFilter(float64(max(expectedPartitions, 1)), 0.01),
		pending:        make(map[uint32][]mutation),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func groupFor(partID uint64, groups uint32) uint32 {
	return uint32(farm.Fingerprint64(uint64ToBytes(partID)) % uint64(groups))
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// GroupFor reports the flush group a partition id belongs to, using the
// same hash the index buckets its own mutations by. Callers that assign
// a Partition's groupId (spec.md §3) must use this so a partition's
// flush group and its index-mutation bucket always agree.
func (idx *Index) GroupFor(partID uint64) uint32 {
	return groupFor(partID, idx.groupsPerShard)
}

// AddKey registers a newly created partition's label set. Called once
// per partition creation, from the shard's ingestion thread.
func (idx *Index) AddKey(partID uint64, labels map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.labels[partID] = labels
	for name, value := range labels {
		byValue, ok := idx.postings[name]
		if !ok {
			byValue = make(map[string]*postingList)
			idx.postings[name] = byValue
		}
		pl, ok := byValue[value]
		if !ok {
			pl = &postingList{}
		}
		byValue[value] = pl.add(partID)
		idx.bloom.Add(farm.Fingerprint64(append(uint64ToBytes(partID), []byte(name+"="+value)...)))
	}

	g := groupFor(partID, idx.groupsPerShard)
	idx.pending[g] = append(idx.pending[g], mutation{PartID: partID, Labels: labels})
}

// RemoveKey drops a partition from the index, on eviction.
func (idx *Index) RemoveKey(partID uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	labels, ok := idx.labels[partID]
	if !ok {
		return
	}
	delete(idx.labels, partID)
	delete(idx.ranges, partID)

	for name, value := range labels {
		if byValue, ok := idx.postings[name]; ok {
			if pl, ok := byValue[value]; ok {
				byValue[value] = pl.remove(partID)
			}
		}
	}

	g := groupFor(partID, idx.groupsPerShard)
	idx.pending[g] = append(idx.pending[g], mutation{PartID: partID, Removed: true})
}

// Observe records a row-key value for partID, widening its known time
// range; called on each ingest so filter() can test time overlap.
func (idx *Index) Observe(partID uint64, rowKey int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	r, ok := idx.ranges[partID]
	if !ok {
		idx.ranges[partID] = TimeRange{Min: rowKey, Max: rowKey}
		return
	}
	if rowKey < r.Min {
		r.Min = rowKey
	}
	if rowKey > r.Max {
		r.Max = rowKey
	}
	idx.ranges[partID] = r
}

// ValueCount pairs a label value with its posting-list frequency.
type ValueCount struct {
	Value string
	Count int
}

// ValuesFor returns the topK most frequent values for labelName,
// ordered by descending frequency, ties broken lexicographically.
func (idx *Index) ValuesFor(labelName string, topK int) []ValueCount {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	byValue, ok := idx.postings[labelName]
	if !ok {
		return nil
	}

	out := make([]ValueCount, 0, len(byValue))
	for v, pl := range byValue {
		out = append(out, ValueCount{Value: v, Count: len(pl.ids)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// IndexNames returns every label name known to the index.
func (idx *Index) IndexNames() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]string, 0, len(idx.postings))
	for name := range idx.postings {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Filter returns up to limit partition ids whose label values match
// every filter and whose observed time range intersects [start, end].
func (idx *Index) Filter(filters map[string]string, start, end int64, limit int) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(filters) == 0 {
		return idx.allInRange(start, end, limit)
	}

	var candidate map[uint64]struct{}
	for name, value := range filters {
		byValue, ok := idx.postings[name]
		if !ok {
			return nil
		}
		pl, ok := byValue[value]
		if !ok {
			return nil
		}
		set := make(map[uint64]struct{}, len(pl.ids))
		for _, id := range pl.ids {
			set[id] = struct{}{}
		}
		if candidate == nil {
			candidate = set
		} else {
			for id := range candidate {
				if _, ok := set[id]; !ok {
					delete(candidate, id)
				}
			}
		}
		if len(candidate) == 0 {
			return nil
		}
	}

	ids := make([]uint64, 0, len(candidate))
	for id := range candidate {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		r, ok := idx.ranges[id]
		if ok && !(r.Max >= start && r.Min <= end) {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (idx *Index) allInRange(start, end int64, limit int) []uint64 {
	ids := make([]uint64, 0, len(idx.labels))
	for id := range idx.labels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		r, ok := idx.ranges[id]
		if ok && !(r.Max >= start && r.Min <= end) {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LabelsFor returns a copy of partID's label set, used by
// labelValuesWithFilters to test a filter-matched partition's value
// for a given label name without re-scanning postings.
func (idx *Index) LabelsFor(partID uint64) (map[string]string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	labels, ok := idx.labels[partID]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out, true
}

// HasLabel is a fast, possibly-false-positive membership check ahead
// of the exact postings scan, mirroring friggdb's bloom-filter gate.
func (idx *Index) HasLabel(partID uint64, name, value string) bool {
	return idx.bloom.Has(farm.Fingerprint64(append(uint64ToBytes(partID), []byte(name+"="+value)...)))
}

// SnapshotBucket returns the mutations recorded for group since the
// previous call for that group, as a serializable time-bucket blob.
// Snapshots are monotonic: each call only ever sees new mutations.
func (idx *Index) SnapshotBucket(group uint32) ([]byte, error) {
	idx.mu.Lock()
	muts := idx.pending[group]
	idx.pending[group] = nil
	idx.mu.Unlock()

	if len(muts) == 0 {
		return nil, nil
	}
	return json.Marshal(muts)
}

// LoadBucket replays a previously snapshotted bucket blob into the
// index, used by recoverIndex.
func (idx *Index) LoadBucket(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	var muts []mutation
	if err := json.Unmarshal(b, &muts); err != nil {
		return err
	}
	for _, m := range muts {
		if m.Removed {
			idx.RemoveKey(m.PartID)
		} else {
			idx.AddKey(m.PartID, m.Labels)
		}
	}
	return nil
}
