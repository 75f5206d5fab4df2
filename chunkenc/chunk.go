// Package chunkenc implements the ChunkBuilder: per-column append
// buffers that freeze into an immutable, columnar, length-prefixed
// encoding. The on-wire framing (total length, then per-field length
// prefixes) follows friggdb/encoding/object.go's
// MarshalObjectToWriter/UnmarshalObjectFromReader convention, extended
// from a single blob-per-record to one length-prefixed section per
// column.
package chunkenc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grafana/memstore/nativebuf"
	"github.com/grafana/memstore/schema"
)

// ErrChunkFull is returned by Append when the chunk has reached
// maxRows; the caller (Partition) rotates to a fresh Builder.
var ErrChunkFull = fmt.Errorf("chunkenc: chunk full")

// Builder accumulates rows for one partition's active chunk. Row-key
// values must be appended non-decreasing, per spec.md §3 invariant 2.
type Builder struct {
	ds      *schema.RichDataset
	pool    *nativebuf.Pool
	maxRows int

	rows       int
	minRowKey  int64
	maxRowKey  int64
	rowKeys    []int64
	columns    []columnBuffer
	regions    []*nativebuf.Region
	haveMinMax bool
}

// columnBuffer accumulates one data column's encoded values.
type columnBuffer interface {
	appendValue(v interface{}) error
	encode() []byte
	reset()
}

// NewBuilder allocates append buffers for every data column of ds from
// pool, sized for up to maxRows rows.
func NewBuilder(ds *schema.RichDataset, pool *nativebuf.Pool, maxRows int) (*Builder, error) {
	b := &Builder{ds: ds, pool: pool, maxRows: maxRows}
	b.columns = make([]columnBuffer, len(ds.DataColumns))
	b.regions = make([]*nativebuf.Region, len(ds.DataColumns))

	for i, col := range ds.DataColumns {
		region, err := pool.Allocate(maxRows*8, fmt.Sprintf("chunk.%s", col.Name))
		if err != nil {
			b.freeRegions()
			return nil, err
		}
		b.regions[i] = region
		b.columns[i] = newColumnBuffer(col.Type)
	}

	b.rowKeys = make([]int64, 0, maxRows)
	return b, nil
}

func (b *Builder) freeRegions() {
	for _, r := range b.regions {
		if r != nil {
			b.pool.Free(r)
		}
	}
}

// Append writes one row's data-column values into the matching typed
// buffers. It fails with ErrChunkFull once Rows() reaches maxRows.
func (b *Builder) Append(rec schema.Record) error {
	if b.rows >= b.maxRows {
		return ErrChunkFull
	}
	if len(rec.Values) != len(b.columns) {
		return fmt.Errorf("chunkenc: record has %d values, dataset has %d data columns", len(rec.Values), len(b.columns))
	}

	if b.haveMinMax && rec.RowKey < b.maxRowKey {
		return fmt.Errorf("chunkenc: row-key %d is out of order, last was %d", rec.RowKey, b.maxRowKey)
	}

	for i, v := range rec.Values {
		if err := b.columns[i].appendValue(v); err != nil {
			return err
		}
	}

	b.rowKeys = append(b.rowKeys, rec.RowKey)
	if !b.haveMinMax {
		b.minRowKey = rec.RowKey
		b.haveMinMax = true
	}
	b.maxRowKey = rec.RowKey
	b.rows++
	return nil
}

// Rows reports the number of rows appended so far.
func (b *Builder) Rows() int { return b.rows }

// Full reports whether the builder has reached its row cap.
func (b *Builder) Full() bool { return b.rows >= b.maxRows }

// Freeze encodes the accumulated rows into an immutable Chunk and
// returns the builder's append buffers to the pool. The builder must
// not be used after Freeze.
func (b *Builder) Freeze() (*Chunk, error) {
	c := b.encode()
	b.freeRegions()
	return c, nil
}

// Snapshot encodes the rows appended so far into a Chunk without
// releasing the builder's append buffers, so the builder remains live
// for further Append calls. It returns nil if no rows have been
// appended yet. Used by Partition.Scan to make the still-open active
// chunk's rows visible to readers without interrupting ingestion
// (spec.md §3 invariant 3: no read-your-write lag).
func (b *Builder) Snapshot() *Chunk {
	if b.rows == 0 {
		return nil
	}
	return b.encode()
}

// encode materializes the builder's current rows into a Chunk,
// independent of whether the builder's regions are subsequently kept
// (Snapshot) or freed (Freeze).
func (b *Builder) encode() *Chunk {
	c := &Chunk{
		dataset:   b.ds.Name,
		rows:      b.rows,
		minRowKey: b.minRowKey,
		maxRowKey: b.maxRowKey,
		rowKeys:   append([]int64(nil), b.rowKeys...),
		columns:   make(map[string][]byte, len(b.columns)),
	}
	for i, col := range b.ds.DataColumns {
		c.columns[col.Name] = b.columns[i].encode()
	}
	return c
}

// Chunk is an immutable, columnar, length-prefixed encoding of a
// bounded run of rows for one partition. It holds no pointers into
// pool memory: encode() copies out plain heap byte slices.
type Chunk struct {
	dataset   string
	rows      int
	minRowKey int64
	maxRowKey int64
	rowKeys   []int64
	columns   map[string][]byte

	refs int32
}

func (c *Chunk) Rows() int         { return c.rows }
func (c *Chunk) MinRowKey() int64  { return c.minRowKey }
func (c *Chunk) MaxRowKey() int64  { return c.maxRowKey }
func (c *Chunk) RowKeys() []int64  { return c.rowKeys }
func (c *Chunk) Dataset() string   { return c.dataset }

// Intersects reports whether the chunk's row-key range overlaps
// [start, end].
func (c *Chunk) Intersects(start, end int64) bool {
	return c.minRowKey <= end && c.maxRowKey >= start
}

// Column returns the raw encoded bytes for a data column.
func (c *Chunk) Column(name string) ([]byte, bool) {
	b, ok := c.columns[name]
	return b, ok
}

// Retain/Release implement the reference counting spec.md §5 requires
// so a frozen chunk is only released back once both a flush task and
// every outstanding scan holding it are done with it.
func (c *Chunk) Retain() { c.refs++ }
func (c *Chunk) Release() int32 {
	c.refs--
	return c.refs
}

// Encode serializes the chunk to w using the same
// total-length/field-length framing as friggdb/encoding/object.go,
// extended with one length-prefixed section per column plus the
// row-key index.
func (c *Chunk) Encode(w io.Writer) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int64(c.rows)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, c.minRowKey); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, c.maxRowKey); err != nil {
		return err
	}
	if err := writeLengthPrefixed(&buf, int64Slice(c.rowKeys)); err != nil {
		return err
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(c.columns))); err != nil {
		return err
	}
	for name, col := range c.columns {
		nameBytes := []byte(name)
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(nameBytes))); err != nil {
			return err
		}
		buf.Write(nameBytes)
		if err := writeLengthPrefixed(&buf, col); err != nil {
			return err
		}
	}

	total := uint32(buf.Len())
	if err := binary.Write(w, binary.LittleEndian, total); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeChunk reads back a Chunk written by Encode.
func DecodeChunk(dataset string, r io.Reader) (*Chunk, error) {
	var total uint32
	if err := binary.Read(r, binary.LittleEndian, &total); err != nil {
		return nil, err
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	br := bytes.NewReader(body)

	c := &Chunk{dataset: dataset, columns: make(map[string][]byte)}
	var rows int64
	if err := binary.Read(br, binary.LittleEndian, &rows); err != nil {
		return nil, err
	}
	c.rows = int(rows)
	if err := binary.Read(br, binary.LittleEndian, &c.minRowKey); err != nil {
		return nil, err
	}
	if err := binary.Read(br, binary.LittleEndian, &c.maxRowKey); err != nil {
		return nil, err
	}
	rowKeyBytes, err := readLengthPrefixed(br)
	if err != nil {
		return nil, err
	}
	c.rowKeys = bytesToInt64Slice(rowKeyBytes)

	var numCols uint32
	if err := binary.Read(br, binary.LittleEndian, &numCols); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numCols; i++ {
		var nameLen uint32
		if err := binary.Read(br, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(br, nameBytes); err != nil {
			return nil, err
		}
		colBytes, err := readLengthPrefixed(br)
		if err != nil {
			return nil, err
		}
		c.columns[string(nameBytes)] = colBytes
	}

	return c, nil
}

func writeLengthPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	b := make([]byte, length)
	_, err := io.ReadFull(r, b)
	return b, err
}

func int64Slice(v []int64) []byte {
	b := make([]byte, len(v)*8)
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(x))
	}
	return b
}

func bytesToInt64Slice(b []byte) []int64 {
	out := make([]int64, len(b)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}
