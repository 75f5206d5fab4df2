package partition

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/grafana/memstore/chunkenc"
	"github.com/grafana/memstore/nativebuf"
	"github.com/grafana/memstore/schema"
)

// State is a Partition's lifecycle state, per spec.md §3.
type State int

const (
	StateActive State = iota
	StateFlushing
	StateEvicted
)

// ErrChunksToKeepExceeded is not returned by any function in this
// package: exceeding chunksToKeep drops the oldest in-memory chunk
// without an error.
var ErrChunksToKeepExceeded = errors.New("partition: chunksToKeep exceeded")

// Partition holds one series' active append buffer and flushed
// chunk history.
type Partition struct {
	PartKey []byte
	GroupID uint32

	ds           *schema.RichDataset
	pool         *nativebuf.Pool
	maxChunkRows int
	chunksToKeep int

	// mu guards active and flushed: Ingest/rotate/SwitchBuffers mutate
	// them from the shard's single ingestion goroutine while Scan reads
	// them from any caller's goroutine, so both sides take the lock
	// rather than relying on the single-writer discipline alone.
	mu     sync.Mutex
	active *chunkenc.Builder

	flushed []*chunkenc.Chunk // most recent last, bounded to chunksToKeep

	ingestedRows atomic.Int64
	rowsDropped  atomic.Int64
	firstOffset  atomic.Int64
	lastOffset   atomic.Int64

	lastIngestTime atomic.Int64 // unix nanos

	state State
}

// New creates a fresh Active partition with an empty active chunk.
func New(partKey []byte, groupID uint32, ds *schema.RichDataset, pool *nativebuf.Pool, maxChunkRows, chunksToKeep int) (*Partition, error) {
	b, err := chunkenc.NewBuilder(ds, pool, maxChunkRows)
	if err != nil {
		return nil, err
	}
	p := &Partition{
		PartKey:      append([]byte(nil), partKey...),
		GroupID:      groupID,
		ds:           ds,
		pool:         pool,
		maxChunkRows: maxChunkRows,
		chunksToKeep: chunksToKeep,
		active:       b,
		state:        StateActive,
	}
	p.firstOffset.Store(-1)
	p.lastOffset.Store(-1)
	return p, nil
}

// Ingest appends one row at the given source offset. On ChunkFull it
// rotates the active chunk; on BufferPoolExhausted the caller is
// expected to retry once after requesting eviction — ingest itself
// never blocks or retries.
func (p *Partition) Ingest(rec schema.Record, offset int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateActive {
		p.state = StateActive
	}

	err := p.active.Append(rec)
	if errors.Is(err, chunkenc.ErrChunkFull) {
		if err := p.rotate(); err != nil {
			return err
		}
		err = p.active.Append(rec)
	}
	if err != nil {
		return err
	}

	p.ingestedRows.Inc()
	if p.firstOffset.Load() < 0 {
		p.firstOffset.Store(offset)
	}
	p.lastOffset.Store(offset)
	p.lastIngestTime.Store(time.Now().UnixNano())
	return nil
}

func (p *Partition) rotate() error {
	b, err := chunkenc.NewBuilder(p.ds, p.pool, p.maxChunkRows)
	if err != nil {
		return err
	}

	frozen, err := p.active.Freeze()
	if err != nil {
		return err
	}
	p.appendFlushed(frozen)
	p.active = b
	return nil
}

func (p *Partition) appendFlushed(c *chunkenc.Chunk) {
	p.flushed = append(p.flushed, c)
	for len(p.flushed) > p.chunksToKeep {
		// oldest evicted from memory; it is assumed durably
		// persisted by the time chunksToKeep is exceeded and
		// remains readable via on-demand paging from the
		// ColumnStore.
		p.flushed[0] = nil
		p.flushed = p.flushed[1:]
	}
}

// SwitchBuffers freezes the active chunk, however few rows it holds,
// and returns it as a flush candidate, installing a fresh active
// chunk. An empty active chunk is left in place and nil is returned.
// If the fresh chunk cannot be allocated, the active chunk is left
// unfrozen and the error is returned. Used by FlushCommand handling.
func (p *Partition) SwitchBuffers() (*chunkenc.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = StateFlushing
	defer func() { p.state = StateActive }()

	if p.active.Rows() == 0 {
		return nil, nil
	}

	b, err := chunkenc.NewBuilder(p.ds, p.pool, p.maxChunkRows)
	if err != nil {
		return nil, err
	}

	frozen, err := p.active.Freeze()
	if err != nil {
		return nil, err
	}
	p.appendFlushed(frozen)
	p.active = b
	return frozen, nil
}

// DropRow records that a row could not be ingested after eviction was
// attempted once, per spec.md §4.5/§7.
func (p *Partition) DropRow() {
	p.rowsDropped.Inc()
}

// RowsDropped reports the dropped-row counter.
func (p *Partition) RowsDropped() int64 { return p.rowsDropped.Load() }

// IngestedRows reports the total rows successfully appended.
func (p *Partition) IngestedRows() int64 { return p.ingestedRows.Load() }

// FirstOffset/LastOffset report the observed source-offset range.
func (p *Partition) FirstOffset() int64 { return p.firstOffset.Load() }
func (p *Partition) LastOffset() int64  { return p.lastOffset.Load() }

// LastIngestTime reports the time of the most recent successful
// ingest, used by the eviction policy's ordering.
func (p *Partition) LastIngestTime() time.Time {
	return time.Unix(0, p.lastIngestTime.Load())
}

// State reports the partition's lifecycle state.
func (p *Partition) State() State { return p.state }

// Scan returns the chunks (including the still-open active chunk, if
// non-empty) whose row-key range intersects [start, end]. The active
// chunk is materialized via Builder.Snapshot, which leaves ingestion
// uninterrupted, so a record is visible to Scan as soon as Ingest
// returns — no read-your-write lag (spec.md §3 invariant 3). Safe to
// call from any reader goroutine: it takes the same lock Ingest and
// SwitchBuffers hold while mutating active/flushed.
func (p *Partition) Scan(start, end int64) []*chunkenc.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*chunkenc.Chunk
	for _, c := range p.flushed {
		if c != nil && c.Intersects(start, end) {
			c.Retain()
			out = append(out, c)
		}
	}
	if snap := p.active.Snapshot(); snap != nil && snap.Intersects(start, end) {
		snap.Retain()
		out = append(out, snap)
	}
	return out
}

// FlushedChunks returns the partition's retained flushed chunk history,
// most recent last.
func (p *Partition) FlushedChunks() []*chunkenc.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*chunkenc.Chunk(nil), p.flushed...)
}

// NativeBytes estimates the bytes this partition currently holds in
// the pool, used by the eviction policy's pressure accounting.
func (p *Partition) NativeBytes() int64 {
	return int64(p.maxChunkRows) * int64(len(p.ds.DataColumns)) * 8
}
