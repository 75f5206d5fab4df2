// Package schema holds the dataset/column type declarations shared by
// chunkenc, partidx and memstore. It is split out from memstore so the
// lower-level packages never import the façade package that owns them.
package schema

import "fmt"

// ColumnType is the wire type of a single column value.
type ColumnType int

const (
	ColUnknown ColumnType = iota
	ColString
	ColLong
	ColDouble
	ColBytes
	ColMap // label/tag map, partition-key columns only
)

func (t ColumnType) String() string {
	switch t {
	case ColString:
		return "string"
	case ColLong:
		return "long"
	case ColDouble:
		return "double"
	case ColBytes:
		return "bytes"
	case ColMap:
		return "map"
	default:
		return "unknown"
	}
}

// Column is one named, typed field of a Dataset.
type Column struct {
	Name string
	Type ColumnType
}

// BadSchemaError is raised by Dataset validation.
type BadSchemaError struct {
	Reason string
}

func (e *BadSchemaError) Error() string {
	return fmt.Sprintf("bad schema: %s", e.Reason)
}

// Dataset is an immutable named schema: partition-key columns, row-key
// columns (typically a single "timestamp" long column) and data columns.
type Dataset struct {
	Name             string
	PartitionColumns []Column
	RowKeyColumns    []Column
	DataColumns      []Column
}

// RichDataset is a validated Dataset with derived lookup structures,
// returned by Validate in place of exceptions-as-control-flow.
type RichDataset struct {
	Dataset

	dataColumnIndex map[string]int
}

// Validate checks a Dataset for structural soundness and returns a
// RichDataset carrying derived indices, or a *BadSchemaError.
func Validate(d Dataset) (*RichDataset, error) {
	if d.Name == "" {
		return nil, &BadSchemaError{Reason: "dataset name must not be empty"}
	}
	if len(d.PartitionColumns) == 0 {
		return nil, &BadSchemaError{Reason: "dataset must declare at least one partition-key column"}
	}
	if len(d.RowKeyColumns) != 1 {
		return nil, &BadSchemaError{Reason: "dataset must declare exactly one row-key column"}
	}
	if d.RowKeyColumns[0].Type != ColLong {
		return nil, &BadSchemaError{Reason: "row-key column must be of type long"}
	}
	if len(d.DataColumns) == 0 {
		return nil, &BadSchemaError{Reason: "dataset must declare at least one data column"}
	}

	seen := make(map[string]struct{}, len(d.PartitionColumns)+len(d.RowKeyColumns)+len(d.DataColumns))
	for _, cols := range [][]Column{d.PartitionColumns, d.RowKeyColumns, d.DataColumns} {
		for _, c := range cols {
			if c.Name == "" {
				return nil, &BadSchemaError{Reason: "column name must not be empty"}
			}
			if _, ok := seen[c.Name]; ok {
				return nil, &BadSchemaError{Reason: fmt.Sprintf("duplicate column name %q", c.Name)}
			}
			seen[c.Name] = struct{}{}
		}
	}

	idx := make(map[string]int, len(d.DataColumns))
	for i, c := range d.DataColumns {
		idx[c.Name] = i
	}

	return &RichDataset{Dataset: d, dataColumnIndex: idx}, nil
}

// DataColumnIndex returns the position of a data column by name, or -1.
func (r *RichDataset) DataColumnIndex(name string) int {
	if i, ok := r.dataColumnIndex[name]; ok {
		return i
	}
	return -1
}

// RowKeyColumn returns the dataset's single row-key column.
func (r *RichDataset) RowKeyColumn() Column {
	return r.RowKeyColumns[0]
}

// Record is one ingested row: an opaque, already-encoded partition key,
// the label set used for index postings, the row-key (timestamp) value,
// and data-column values in Dataset.DataColumns order.
type Record struct {
	PartitionKey []byte
	Labels       map[string]string
	RowKey       int64
	Values       []interface{}
}

// RecordBatch is a batch of records tagged with the source offset of
// the last record in the batch, per the IngestionStream contract.
type RecordBatch struct {
	Records []Record
	Offset  int64
}
