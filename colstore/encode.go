package colstore

import (
	"bytes"
	"encoding/binary"
)

// encodePartitionChunks is the on-wire framing shared by every
// ColumnStore backend for one flush unit's chunk set: a count, then
// per partition its id, its partition-key bytes, and its chunk's own
// chunkenc.Encode framing.
func encodePartitionChunks(buf *bytes.Buffer, chunks []PartitionChunk) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(chunks))); err != nil {
		return err
	}
	for _, pc := range chunks {
		if err := binary.Write(buf, binary.LittleEndian, pc.PartitionID); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(pc.PartKey))); err != nil {
			return err
		}
		buf.Write(pc.PartKey)
		if err := pc.Chunk.Encode(buf); err != nil {
			return err
		}
	}
	return nil
}
