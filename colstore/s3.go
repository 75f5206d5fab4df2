package colstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/grafana/memstore/chunkenc"
)

// S3Config configures S3Backend.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Secure          bool   `yaml:"secure"`
}

// S3Backend is a ColumnStore backed by an S3-compatible object store
// via minio-go, using the same (dataset, shard, group, offset) key
// layout as LocalBackend, one object per flush unit.
type S3Backend struct {
	client *minio.Client
	bucket string
}

// NewS3 dials an S3-compatible endpoint with minio-go/v7.
func NewS3(cfg S3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}
	return &S3Backend{client: client, bucket: cfg.Bucket}, nil
}

func (b *S3Backend) chunksKey(dataset string, shard int, group uint32, offset int64) string {
	return fmt.Sprintf("%s/shard-%d/group-%d/chunks-%020d.bin", dataset, shard, group, offset)
}

func (b *S3Backend) indexKey(dataset string, shard int, group uint32, offset int64) string {
	return fmt.Sprintf("%s/shard-%d/group-%d/index-%020d.bin", dataset, shard, group, offset)
}

func (b *S3Backend) WriteChunks(ctx context.Context, dataset string, shard int, group uint32, offset int64, chunks []PartitionChunk, ttlSeconds int) error {
	var buf bytes.Buffer
	if err := encodePartitionChunks(&buf, chunks); err != nil {
		return err
	}
	_, err := b.client.PutObject(ctx, b.bucket, b.chunksKey(dataset, shard, group, offset), &buf, int64(buf.Len()),
		minio.PutObjectOptions{
			ContentType:  "application/octet-stream",
			UserMetadata: map[string]string{"ttl-seconds": strconv.Itoa(ttlSeconds)},
		})
	return err
}

func (b *S3Backend) WriteIndexTimeBucket(ctx context.Context, dataset string, shard int, group uint32, offset int64, bucket []byte) error {
	if len(bucket) == 0 {
		return nil
	}
	_, err := b.client.PutObject(ctx, b.bucket, b.indexKey(dataset, shard, group, offset), bytes.NewReader(bucket), int64(len(bucket)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

func (b *S3Backend) ReadRawPartitions(ctx context.Context, dataset string, _ []string, partMethod PartMethod, chunkMethod ChunkMethod) (<-chan RawPartData, error) {
	wanted := make(map[uint64]bool, len(partMethod.PartitionIDs))
	for _, id := range partMethod.PartitionIDs {
		wanted[id] = true
	}

	byPart := make(map[uint64][]*chunkenc.Chunk)
	prefix := dataset + "/"
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.Contains(obj.Key, "chunks-") {
			continue
		}
		o, err := b.client.GetObject(ctx, b.bucket, obj.Key, minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(o)
		_ = o.Close()
		if err != nil {
			return nil, err
		}
		if err := decodeChunksFile(dataset, raw, func(partID uint64, c *chunkenc.Chunk) {
			if len(wanted) > 0 && !wanted[partID] {
				return
			}
			if !c.Intersects(chunkMethod.Start, chunkMethod.End) {
				return
			}
			byPart[partID] = append(byPart[partID], c)
		}); err != nil {
			return nil, err
		}
	}

	out := make(chan RawPartData, len(byPart))
	for id, chunks := range byPart {
		out <- RawPartData{PartitionID: id, Chunks: chunks}
	}
	close(out)
	return out, nil
}

func (b *S3Backend) ScanIndexBuckets(ctx context.Context, dataset string, shard int) (<-chan []byte, error) {
	prefix := fmt.Sprintf("%s/shard-%d/", dataset, shard)
	var buckets [][]byte
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.Contains(obj.Key, "index-") {
			continue
		}
		o, err := b.client.GetObject(ctx, b.bucket, obj.Key, minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(o)
		_ = o.Close()
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, raw)
	}

	out := make(chan []byte, len(buckets))
	for _, bkt := range buckets {
		out <- bkt
	}
	close(out)
	return out, nil
}

func (b *S3Backend) Truncate(ctx context.Context, dataset string) error {
	objCh := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: dataset + "/", Recursive: true})
	for obj := range objCh {
		if obj.Err != nil {
			return obj.Err
		}
		if err := b.client.RemoveObject(ctx, b.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (b *S3Backend) Reset(ctx context.Context) error {
	objCh := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Recursive: true})
	for obj := range objCh {
		if obj.Err != nil {
			return obj.Err
		}
		if err := b.client.RemoveObject(ctx, b.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}
