package ingeststream

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/grafana/memstore/schema"
)

// CSVStreamFactory builds Streams over a local CSV reader, used for
// batch replay and testing in place of a live Kafka source. Recognized
// cfg keys: "batchSize" (rows per RecordBatch, default 100).
type CSVStreamFactory struct {
	// Open returns a fresh reader for (dataset, shardNum); tests supply
	// an in-memory reader, a real factory would open a file per shard.
	Open func(dataset string, shardNum int) (io.ReadCloser, error)
	ds   *schema.RichDataset
}

// NewCSVStreamFactory builds a factory decoding rows against ds. The
// CSV header row must name the dataset's columns in
// partition-label/row-key/data-column order; partition labels are
// encoded as "name=value" pairs in a single "tags" column.
func NewCSVStreamFactory(ds *schema.RichDataset, open func(dataset string, shardNum int) (io.ReadCloser, error)) *CSVStreamFactory {
	return &CSVStreamFactory{Open: open, ds: ds}
}

func (f *CSVStreamFactory) Create(cfg map[string]string, dataset string, shardNum int, offset *int64) (Stream, error) {
	rc, err := f.Open(dataset, shardNum)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(rc)
	header, err := r.Read()
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("ingeststream: reading csv header: %w", err)
	}

	batchSize := 100
	if v, ok := cfg["batchSize"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batchSize = n
		}
	}

	s := &csvStream{r: r, rc: rc, header: header, ds: f.ds, batchSize: batchSize, nextOffset: 0}
	if offset != nil {
		for i := int64(0); i <= *offset; i++ {
			if _, err := r.Read(); err != nil {
				if err == io.EOF {
					break
				}
				rc.Close()
				return nil, fmt.Errorf("ingeststream: skipping to offset %d: %w", *offset, err)
			}
		}
		s.nextOffset = *offset + 1
	}
	return s, nil
}

type csvStream struct {
	r          *csv.Reader
	rc         io.ReadCloser
	header     []string
	ds         *schema.RichDataset
	batchSize  int
	nextOffset int64
}

func (s *csvStream) Next(ctx context.Context) (schema.RecordBatch, error) {
	var batch schema.RecordBatch
	for len(batch.Records) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		row, err := s.r.Read()
		if err == io.EOF {
			if len(batch.Records) == 0 {
				return batch, io.EOF
			}
			return batch, nil
		}
		if err != nil {
			return batch, err
		}

		rec, err := s.decodeRow(row)
		if err != nil {
			return batch, err
		}
		rec.PartitionKey = nil // populated by the caller from Labels
		batch.Records = append(batch.Records, rec)
		batch.Offset = s.nextOffset
		s.nextOffset++
	}
	return batch, nil
}

func (s *csvStream) decodeRow(row []string) (schema.Record, error) {
	rec := schema.Record{Labels: map[string]string{}}
	dataVals := make([]interface{}, len(s.ds.DataColumns))

	for i, name := range s.header {
		if i >= len(row) {
			break
		}
		val := row[i]
		switch name {
		case "tags":
			if err := parseTags(val, rec.Labels); err != nil {
				return rec, err
			}
		case s.ds.RowKeyColumn().Name:
			ts, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return rec, fmt.Errorf("ingeststream: parsing row-key column %q: %w", name, err)
			}
			rec.RowKey = ts
		default:
			if idx := s.ds.DataColumnIndex(name); idx >= 0 {
				v, err := decodeDataValue(s.ds.DataColumns[idx].Type, val)
				if err != nil {
					return rec, err
				}
				dataVals[idx] = v
			}
		}
	}
	rec.Values = dataVals
	return rec, nil
}

func decodeDataValue(t schema.ColumnType, raw string) (interface{}, error) {
	switch t {
	case schema.ColLong:
		return strconv.ParseInt(raw, 10, 64)
	case schema.ColDouble:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func parseTags(val string, out map[string]string) error {
	if val == "" {
		return nil
	}
	start := 0
	for i := 0; i <= len(val); i++ {
		if i == len(val) || val[i] == ',' {
			pair := val[start:i]
			eq := -1
			for j, c := range pair {
				if c == '=' {
					eq = j
					break
				}
			}
			if eq < 0 {
				return fmt.Errorf("ingeststream: malformed tag pair %q", pair)
			}
			out[pair[:eq]] = pair[eq+1:]
			start = i + 1
		}
	}
	return nil
}

func (s *csvStream) Close() error { return s.rc.Close() }
