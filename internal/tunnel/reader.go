package tunnel

import (
	"fmt"
	"io"

	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// RecordCursor is the contract every concrete reader satisfies: a lazy,
// forward-only, single-pass sequence ended by io.EOF.
type RecordCursor interface {
	// Next returns the next record, or io.EOF at the end of the sequence.
	Next() (*types.Record, error)
	// Columns returns the delivered column list.
	Columns() []types.Column
	// Close releases underlying resources.
	Close() error
}

// sliceCount validates (start, stop, step) against a logical length and
// returns the number of records the slice yields. Violations are rejected
// eagerly, before any I/O.
func sliceCount(start, stop, step, length int64) (int64, error) {
	if start < 0 {
		return 0, errors.NewValidationError(errors.CodeInvalidSlice,
			fmt.Sprintf("slice start %d cannot be negative", start))
	}
	if step <= 0 {
		return 0, errors.NewValidationError(errors.CodeInvalidSlice,
			fmt.Sprintf("slice step %d must be positive", step))
	}
	if stop > length {
		stop = length
	}
	if stop <= start {
		return 0, errors.NewValidationError(errors.CodeInvalidSlice,
			fmt.Sprintf("slice [%d:%d) yields no records", start, stop))
	}
	return (stop - start + step - 1) / step, nil
}

// stepCursor yields every step-th record of a base cursor, bounded to n
// yields.
type stepCursor struct {
	base    RecordCursor
	step    int64
	n       int64
	yielded int64
}

func newStepCursor(base RecordCursor, step, n int64) RecordCursor {
	if step == 1 {
		return base
	}
	return &stepCursor{base: base, step: step, n: n}
}

func (s *stepCursor) Columns() []types.Column { return s.base.Columns() }
func (s *stepCursor) Close() error            { return s.base.Close() }

func (s *stepCursor) Next() (*types.Record, error) {
	if s.yielded >= s.n {
		return nil, io.EOF
	}
	if s.yielded > 0 {
		for i := int64(1); i < s.step; i++ {
			if _, err := s.base.Next(); err != nil {
				return nil, err
			}
		}
	}
	rec, err := s.base.Next()
	if err != nil {
		return nil, err
	}
	s.yielded++
	return rec, nil
}

// Frame is a columnar batch: one value slice per column, all of equal
// length.
type Frame struct {
	columns []types.Column
	values  [][]interface{}
}

func newFrame(columns []types.Column, capacity int) *Frame {
	values := make([][]interface{}, len(columns))
	for i := range values {
		values[i] = make([]interface{}, 0, capacity)
	}
	return &Frame{columns: columns, values: values}
}

// Columns returns the frame's column list.
func (f *Frame) Columns() []types.Column { return f.columns }

// Rows returns the number of rows in the frame.
func (f *Frame) Rows() int {
	if len(f.values) == 0 {
		return 0
	}
	return len(f.values[0])
}

// Column returns the value slice of column i.
func (f *Frame) Column(i int) []interface{} { return f.values[i] }

// Value returns the value at (row, col).
func (f *Frame) Value(row, col int) interface{} { return f.values[col][row] }

func (f *Frame) appendRecord(rec *types.Record) {
	for i, v := range rec.Values() {
		f.values[i] = append(f.values[i], v)
	}
}

func mergeFrames(frames []*Frame) *Frame {
	if len(frames) == 1 {
		return frames[0]
	}
	total := 0
	for _, fr := range frames {
		total += fr.Rows()
	}
	out := newFrame(frames[0].columns, total)
	for _, fr := range frames {
		for i := range fr.values {
			out.values[i] = append(out.values[i], fr.values[i]...)
		}
	}
	return out
}

// ReadFrames drains a cursor into one columnar frame. Records accumulate
// into batchSize batches; pending batches are merged whenever their number
// exceeds mergeThreshold, bounding peak memory against naive
// concatenation on every batch.
func ReadFrames(c RecordCursor, batchSize, mergeThreshold int) (*Frame, error) {
	if batchSize <= 0 {
		return nil, errors.NewValidationError(errors.CodeBadArgument,
			fmt.Sprintf("batch size %d must be positive", batchSize))
	}
	if mergeThreshold <= 0 {
		return nil, errors.NewValidationError(errors.CodeBadArgument,
			fmt.Sprintf("merge threshold %d must be positive", mergeThreshold))
	}

	columns := c.Columns()
	var pending []*Frame
	cur := newFrame(columns, batchSize)
	for {
		rec, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		cur.appendRecord(rec)
		if cur.Rows() == batchSize {
			pending = append(pending, cur)
			cur = newFrame(columns, batchSize)
			if len(pending) > mergeThreshold {
				pending = []*Frame{mergeFrames(pending)}
			}
		}
	}
	if cur.Rows() > 0 {
		pending = append(pending, cur)
	}
	if len(pending) == 0 {
		return newFrame(columns, 0), nil
	}
	return mergeFrames(pending), nil
}
