package types

import "fmt"

// Record is one row of typed values aligned to a resolved column list.
// Records are owned by the writer or reader that produced them and must be
// treated as immutable once handed to a writer.
type Record struct {
	columns []Column
	values  []interface{}
}

// NewRecord returns a record with one NULL value per column.
func NewRecord(columns []Column) *Record {
	return &Record{columns: columns, values: make([]interface{}, len(columns))}
}

// RecordFromValues builds a record over the given values. The value count is
// not forced to match the column count here; writers validate arity against
// their session policy at write time.
func RecordFromValues(columns []Column, values []interface{}) *Record {
	return &Record{columns: columns, values: values}
}

// Len returns the number of values held.
func (r *Record) Len() int { return len(r.values) }

// Columns returns the resolved column list the record aligns to.
func (r *Record) Columns() []Column { return r.columns }

// Get returns the i-th value.
func (r *Record) Get(i int) interface{} { return r.values[i] }

// Set assigns the i-th value.
func (r *Record) Set(i int, v interface{}) error {
	if i < 0 || i >= len(r.values) {
		return fmt.Errorf("types: value index %d out of range [0,%d)", i, len(r.values))
	}
	r.values[i] = v
	return nil
}

// GetByName returns the value of the named column.
func (r *Record) GetByName(name string) (interface{}, bool) {
	for i, c := range r.columns {
		if c.Name == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// SetByName assigns the value of the named column.
func (r *Record) SetByName(name string, v interface{}) error {
	for i, c := range r.columns {
		if c.Name == name {
			r.values[i] = v
			return nil
		}
	}
	return fmt.Errorf("types: unknown column %q", name)
}

// Values returns the underlying value slice.
func (r *Record) Values() []interface{} { return r.values }
