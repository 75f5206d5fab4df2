package ingeststream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/grafana/memstore/schema"
)

// KafkaStreamFactory builds Streams over a Kafka topic using franz-go's
// kgo client, grounded on the consumer/broker offset semantics of
// dcrodman-franz-go's pkg/kgo (kgo.Offset.At, Client.PollFetches).
// Recognized cfg keys: "brokers" (comma-separated), "topic".
type KafkaStreamFactory struct{}

func (KafkaStreamFactory) Create(cfg map[string]string, dataset string, shardNum int, offset *int64) (Stream, error) {
	brokers := strings.Split(cfg["brokers"], ",")
	topic := cfg["topic"]
	if topic == "" {
		return nil, fmt.Errorf("ingeststream: kafka factory requires a \"topic\" config key")
	}

	opts := []kgo.Opt{kgo.SeedBrokers(brokers...)}
	if offset != nil {
		opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {int32(shardNum): kgo.NewOffset().At(*offset + 1)},
		}))
	} else {
		opts = append(opts, kgo.ConsumeTopics(topic), kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &kafkaStream{client: client}, nil
}

type kafkaStream struct {
	client *kgo.Client
}

// wireRecord is the JSON envelope a producer writes one of per Kafka
// message; the wire format itself is out of scope (spec.md §1 treats
// stream sources as external adapters), this is a stand-in shape.
type wireRecord struct {
	Labels map[string]string `json:"labels"`
	RowKey int64             `json:"rowKey"`
	Values []interface{}     `json:"values"`
}

func (s *kafkaStream) Next(ctx context.Context) (schema.RecordBatch, error) {
	fetches := s.client.PollFetches(ctx)
	if err := ctx.Err(); err != nil {
		return schema.RecordBatch{}, err
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		return schema.RecordBatch{}, fmt.Errorf("ingeststream: kafka fetch error on %s[%d]: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
	}

	var batch schema.RecordBatch
	var decodeErr error
	fetches.EachRecord(func(r *kgo.Record) {
		if decodeErr != nil {
			return
		}
		var wr wireRecord
		if err := json.Unmarshal(r.Value, &wr); err != nil {
			decodeErr = fmt.Errorf("ingeststream: decoding kafka record at offset %d: %w", r.Offset, err)
			return
		}
		batch.Records = append(batch.Records, schema.Record{
			Labels: wr.Labels,
			RowKey: wr.RowKey,
			Values: wr.Values,
		})
		batch.Offset = r.Offset
	})
	if decodeErr != nil {
		return batch, decodeErr
	}
	return batch, nil
}

func (s *kafkaStream) Close() error {
	s.client.Close()
	return nil
}

// Healthy issues a bare metadata request to confirm the stream's
// brokers are reachable. Exported via a type assertion on the Stream
// a KafkaStreamFactory returns, for callers (e.g. Setup) that want a
// fail-fast check before subscribing the shard to it.
func (s *kafkaStream) Healthy(ctx context.Context) error {
	req := kmsg.NewMetadataRequest()
	resp, err := req.RequestWith(ctx, s.client)
	if err != nil {
		return fmt.Errorf("ingeststream: kafka metadata request: %w", err)
	}
	if len(resp.Brokers) == 0 {
		return fmt.Errorf("ingeststream: kafka metadata request returned no brokers")
	}
	return nil
}

// EncodeWireRecord is the producer-side counterpart of wireRecord's
// decoding, exported for tests and adapter callers that need to write
// fixtures compatible with Next.
func EncodeWireRecord(labels map[string]string, rowKey int64, values []interface{}) ([]byte, error) {
	return json.Marshal(wireRecord{Labels: labels, RowKey: rowKey, Values: values})
}
