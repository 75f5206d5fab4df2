package chunkenc

import (
	"encoding/binary"
	"math"
)

func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

// DecodeLongColumn reinterprets a raw long column's bytes as int64s.
func DecodeLongColumn(b []byte) []int64 {
	out := make([]int64, len(b)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

// DecodeDoubleColumn reinterprets a raw double column's bytes as float64s.
func DecodeDoubleColumn(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		bits := binary.LittleEndian.Uint64(b[i*8:])
		out[i] = float64frombits(bits)
	}
	return out
}

// DecodeBytesColumn splits a length-prefixed bytes/string column back
// into its entries.
func DecodeBytesColumn(b []byte) [][]byte {
	var out [][]byte
	off := 0
	for off < len(b) {
		n := binary.LittleEndian.Uint32(b[off:])
		off += 4
		out = append(out, b[off:off+int(n)])
		off += int(n)
	}
	return out
}
