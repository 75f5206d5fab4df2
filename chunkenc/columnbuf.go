package chunkenc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grafana/memstore/schema"
)

func newColumnBuffer(t schema.ColumnType) columnBuffer {
	switch t {
	case schema.ColLong:
		return &longColumnBuffer{}
	case schema.ColDouble:
		return &doubleColumnBuffer{}
	case schema.ColString, schema.ColBytes:
		return &bytesColumnBuffer{}
	default:
		return &bytesColumnBuffer{}
	}
}

type longColumnBuffer struct {
	values []int64
}

func (b *longColumnBuffer) appendValue(v interface{}) error {
	i, ok := toInt64(v)
	if !ok {
		return fmt.Errorf("chunkenc: expected long value, got %T", v)
	}
	b.values = append(b.values, i)
	return nil
}

func (b *longColumnBuffer) encode() []byte {
	out := make([]byte, len(b.values)*8)
	for i, v := range b.values {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	return out
}

func (b *longColumnBuffer) reset() { b.values = b.values[:0] }

type doubleColumnBuffer struct {
	values []float64
}

func (b *doubleColumnBuffer) appendValue(v interface{}) error {
	f, ok := toFloat64(v)
	if !ok {
		return fmt.Errorf("chunkenc: expected double value, got %T", v)
	}
	b.values = append(b.values, f)
	return nil
}

func (b *doubleColumnBuffer) encode() []byte {
	out := make([]byte, len(b.values)*8)
	for i, v := range b.values {
		binary.LittleEndian.PutUint64(out[i*8:], f64bits(v))
	}
	return out
}

func (b *doubleColumnBuffer) reset() { b.values = b.values[:0] }

// bytesColumnBuffer stores variable-length string/bytes values as a
// stream of length-prefixed entries, the same framing used for the
// chunk's own on-wire sections.
type bytesColumnBuffer struct {
	entries [][]byte
}

func (b *bytesColumnBuffer) appendValue(v interface{}) error {
	switch x := v.(type) {
	case string:
		b.entries = append(b.entries, []byte(x))
	case []byte:
		b.entries = append(b.entries, x)
	default:
		return fmt.Errorf("chunkenc: expected string/bytes value, got %T", v)
	}
	return nil
}

func (b *bytesColumnBuffer) encode() []byte {
	size := 0
	for _, e := range b.entries {
		size += 4 + len(e)
	}
	out := make([]byte, size)
	off := 0
	for _, e := range b.entries {
		binary.LittleEndian.PutUint32(out[off:], uint32(len(e)))
		off += 4
		copy(out[off:], e)
		off += len(e)
	}
	return out
}

func (b *bytesColumnBuffer) reset() { b.entries = b.entries[:0] }

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}

func f64bits(f float64) uint64 {
	return math.Float64bits(f)
}
