package colstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/grafana/memstore/chunkenc"
)

// LocalConfig configures LocalBackend, matching the yaml-tagged shape
// of friggdb/backend/local.Config.
type LocalConfig struct {
	Path string `yaml:"path"`
}

// LocalBackend is a plain-file ColumnStore: one file per (dataset,
// shard, group, offset) flush unit, grounded on
// friggdb/backend/local.readerWriter's rootPath/MkdirAll/WriteFile
// layout, generalized from one blob per trace block to one blob per
// flush unit plus a companion index-bucket file.
type LocalBackend struct {
	cfg LocalConfig
}

// NewLocal creates a LocalBackend rooted at cfg.Path, creating the
// directory if needed.
func NewLocal(cfg LocalConfig) (*LocalBackend, error) {
	if err := os.MkdirAll(cfg.Path, os.ModePerm); err != nil {
		return nil, err
	}
	return &LocalBackend{cfg: cfg}, nil
}

func (b *LocalBackend) datasetRoot(dataset string) string {
	return filepath.Join(b.cfg.Path, dataset)
}

func (b *LocalBackend) groupRoot(dataset string, shard int, group uint32) string {
	return filepath.Join(b.datasetRoot(dataset), fmt.Sprintf("shard-%d", shard), fmt.Sprintf("group-%d", group))
}

func (b *LocalBackend) chunksFileName(dataset string, shard int, group uint32, offset int64) string {
	return filepath.Join(b.groupRoot(dataset, shard, group), fmt.Sprintf("chunks-%020d.bin", offset))
}

func (b *LocalBackend) indexFileName(dataset string, shard int, group uint32, offset int64) string {
	return filepath.Join(b.groupRoot(dataset, shard, group), fmt.Sprintf("index-%020d.bin", offset))
}

func (b *LocalBackend) WriteChunks(_ context.Context, dataset string, shard int, group uint32, offset int64, chunks []PartitionChunk, ttlSeconds int) error {
	root := b.groupRoot(dataset, shard, group)
	if err := os.MkdirAll(root, os.ModePerm); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := encodePartitionChunks(&buf, chunks); err != nil {
		return err
	}

	// ttlSeconds is recorded alongside the blob for an external reaper
	// to honor; the in-process LocalBackend never expires files itself.
	name := b.chunksFileName(dataset, shard, group, offset)
	if err := ioutil.WriteFile(name+".ttl", []byte(strconv.Itoa(ttlSeconds)), 0644); err != nil {
		return err
	}
	return ioutil.WriteFile(name, buf.Bytes(), 0644)
}

func (b *LocalBackend) WriteIndexTimeBucket(_ context.Context, dataset string, shard int, group uint32, offset int64, bucket []byte) error {
	if len(bucket) == 0 {
		return nil
	}
	root := b.groupRoot(dataset, shard, group)
	if err := os.MkdirAll(root, os.ModePerm); err != nil {
		return err
	}
	return ioutil.WriteFile(b.indexFileName(dataset, shard, group, offset), bucket, 0644)
}

func (b *LocalBackend) ReadRawPartitions(_ context.Context, dataset string, _ []string, partMethod PartMethod, chunkMethod ChunkMethod) (<-chan RawPartData, error) {
	wanted := make(map[uint64]bool, len(partMethod.PartitionIDs))
	for _, id := range partMethod.PartitionIDs {
		wanted[id] = true
	}

	byPart := make(map[uint64][]*chunkenc.Chunk)
	err := filepath.Walk(b.datasetRoot(dataset), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasPrefix(filepath.Base(path), "chunks-") || strings.HasSuffix(path, ".ttl") {
			return nil
		}
		raw, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		return decodeChunksFile(dataset, raw, func(partID uint64, c *chunkenc.Chunk) {
			if len(wanted) > 0 && !wanted[partID] {
				return
			}
			if !c.Intersects(chunkMethod.Start, chunkMethod.End) {
				return
			}
			byPart[partID] = append(byPart[partID], c)
		})
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(byPart))
	for id := range byPart {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(chan RawPartData, len(ids))
	for _, id := range ids {
		out <- RawPartData{PartitionID: id, Chunks: byPart[id]}
	}
	close(out)
	return out, nil
}

func decodeChunksFile(dataset string, raw []byte, visit func(partID uint64, c *chunkenc.Chunk)) error {
	r := bytes.NewReader(raw)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		var partID uint64
		if err := binary.Read(r, binary.LittleEndian, &partID); err != nil {
			return err
		}
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return err
		}
		key := make([]byte, keyLen)
		if _, err := r.Read(key); err != nil {
			return err
		}
		c, err := chunkenc.DecodeChunk(dataset, r)
		if err != nil {
			return err
		}
		visit(partID, c)
	}
	return nil
}

func (b *LocalBackend) ScanIndexBuckets(_ context.Context, dataset string, shard int) (<-chan []byte, error) {
	var buckets [][]byte
	root := filepath.Join(b.datasetRoot(dataset), fmt.Sprintf("shard-%d", shard))
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasPrefix(filepath.Base(path), "index-") {
			return nil
		}
		raw, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		buckets = append(buckets, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, len(buckets))
	for _, b := range buckets {
		out <- b
	}
	close(out)
	return out, nil
}

func (b *LocalBackend) Truncate(_ context.Context, dataset string) error {
	return os.RemoveAll(b.datasetRoot(dataset))
}

func (b *LocalBackend) Reset(_ context.Context) error {
	return os.RemoveAll(b.cfg.Path)
}
