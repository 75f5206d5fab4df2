package ingeststream

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/golang/protobuf/proto"
)

// downsampleEnvelope is a hand-declared legacy proto.Message (the
// pre-codegen three-method shape golang/protobuf still marshals via
// struct-tag reflection) wrapping one DownsampleRecord for the wire.
type downsampleEnvelope struct {
	Dataset   string `protobuf:"bytes,1,opt,name=dataset,proto3"`
	Shard     int64  `protobuf:"varint,2,opt,name=shard,proto3"`
	MinRowKey int64  `protobuf:"varint,3,opt,name=min_row_key,proto3"`
	MaxRowKey int64  `protobuf:"varint,4,opt,name=max_row_key,proto3"`
	Rows      int64  `protobuf:"varint,5,opt,name=rows,proto3"`
}

func (m *downsampleEnvelope) Reset()         { *m = downsampleEnvelope{} }
func (m *downsampleEnvelope) String() string { return fmt.Sprintf("%+v", *m) }
func (m *downsampleEnvelope) ProtoMessage()  {}

// LogPublisher is a stand-in downsample Publisher (spec.md §1 keeps
// the real downsample sink out of scope) that writes each
// DownsampleRecord to an io.Writer using the same
// total-length-then-body framing as
// friggdb/encoding/object.go's MarshalObjectToWriter, with the body
// itself proto-marshaled.
type LogPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogPublisher wraps w (e.g. a file, or a message-bus client's byte
// sink) as a Publisher.
func NewLogPublisher(w io.Writer) *LogPublisher {
	return &LogPublisher{w: w}
}

func (p *LogPublisher) Start() error { return nil }
func (p *LogPublisher) Stop() error  { return nil }

func (p *LogPublisher) Publish(records []DownsampleRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range records {
		body, err := proto.Marshal(&downsampleEnvelope{
			Dataset:   r.Dataset,
			Shard:     int64(r.Shard),
			MinRowKey: r.MinRowKey,
			MaxRowKey: r.MaxRowKey,
			Rows:      r.Rows,
		})
		if err != nil {
			return fmt.Errorf("ingeststream: marshaling downsample record: %w", err)
		}
		if err := binary.Write(p.w, binary.LittleEndian, uint32(len(body))); err != nil {
			return err
		}
		if _, err := p.w.Write(body); err != nil {
			return err
		}
	}
	return nil
}
