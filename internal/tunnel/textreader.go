package tunnel

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// TextReader reads the legacy escaped CSV format behind the same cursor
// contract as the binary readers. The first line is a header naming the
// columns present; projection resolves against it, so column order in the
// file need not match the schema.
type TextReader struct {
	cr       *csv.Reader
	columns  []types.Column
	indexes  []int
	partVals []interface{}
	appendPt bool
	opts     codec.Options
	closed   bool
}

// NewTextReader builds a reader over an escaped CSV stream. The schema
// supplies column types; projection and partition appending follow the
// same options as a download read.
func NewTextReader(r io.Reader, schema *types.Schema, copts codec.Options, opts ...ReaderOption) (*TextReader, error) {
	var o readerOptions
	for _, fn := range opts {
		fn(&o)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, errors.NewDataError(errors.CodeMalformedPayload,
			fmt.Sprintf("reading header line: %v", err))
	}

	names := o.columns
	if len(names) == 0 {
		names = make([]string, len(schema.Columns))
		for i, c := range schema.Columns {
			names[i] = c.Name
		}
	}

	columns := make([]types.Column, 0, len(names))
	indexes := make([]int, 0, len(names))
	for _, name := range names {
		col, ok := schema.Column(name)
		if !ok {
			return nil, errors.NewValidationError(errors.CodeBadArgument,
				fmt.Sprintf("column %q is not in the schema", name))
		}
		idx := -1
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, errors.NewValidationError(errors.CodeBadArgument,
				fmt.Sprintf("column %q is not in the file header", name))
		}
		columns = append(columns, col)
		indexes = append(indexes, idx)
	}

	t := &TextReader{cr: cr, columns: columns, indexes: indexes, opts: copts}
	if o.appendPartitions {
		t.appendPt = true
		t.columns = append(t.columns, schema.Partitions...)
		for _, v := range partitionValues(o.partition) {
			t.partVals = append(t.partVals, v)
		}
		if len(t.partVals) != len(schema.Partitions) {
			return nil, errors.NewValidationError(errors.CodeBadArgument,
				fmt.Sprintf("partition spec %q does not cover the %d partition columns", o.partition, len(schema.Partitions)))
		}
	}
	return t, nil
}

// Columns returns the delivered column list.
func (t *TextReader) Columns() []types.Column { return t.columns }

// Next parses the next line, or returns io.EOF at the end of the stream.
func (t *TextReader) Next() (*types.Record, error) {
	if t.closed {
		return nil, io.EOF
	}
	fields, err := t.cr.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.NewDataError(errors.CodeMalformedPayload,
			fmt.Sprintf("reading line: %v", err))
	}

	n := len(t.columns)
	if t.appendPt {
		n -= len(t.partVals)
	}
	vals := make([]interface{}, 0, len(t.columns))
	for i := 0; i < n; i++ {
		idx := t.indexes[i]
		if idx >= len(fields) {
			return nil, errors.NewDataError(errors.CodeMalformedPayload,
				fmt.Sprintf("line has %d fields, column %q expects index %d", len(fields), t.columns[i].Name, idx))
		}
		field := fields[idx]
		if field == codec.NullToken {
			vals = append(vals, nil)
			continue
		}
		v, err := codec.ParseValue(string(codec.UnescapeText(field)), t.columns[i].Type, t.opts)
		if err != nil {
			return nil, fmt.Errorf("tunnel: column %q: %w", t.columns[i].Name, err)
		}
		vals = append(vals, v)
	}
	if t.appendPt {
		vals = append(vals, t.partVals...)
	}
	return types.RecordFromValues(t.columns, vals), nil
}

// Close marks the reader exhausted; the underlying stream is owned by the
// caller.
func (t *TextReader) Close() error {
	t.closed = true
	return nil
}
