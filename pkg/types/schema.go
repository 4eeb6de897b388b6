package types

import (
	"fmt"
	"strings"
)

// Column is one named, typed column of a table schema.
type Column struct {
	Name string
	Type DataType
}

// Schema is the ordered column list of a table, with partition key columns
// held separately. Partition columns are logically appended to the data
// columns when a caller requests partition-value inclusion.
type Schema struct {
	Columns    []Column
	Partitions []Column
}

// FieldIndex returns the index of the named data column, or -1.
func (s *Schema) FieldIndex(name string) int {
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// IsPartition reports whether name is a partition key column.
func (s *Schema) IsPartition(name string) bool {
	for _, c := range s.Partitions {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// Column looks up a column by name across data and partition columns.
func (s *Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	for _, c := range s.Partitions {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// ResolvedColumns returns the column list a reader or writer aligns records
// to: the data columns, plus the partition columns when appendPartitions is
// set.
func (s *Schema) ResolvedColumns(appendPartitions bool) []Column {
	cols := make([]Column, 0, len(s.Columns)+len(s.Partitions))
	cols = append(cols, s.Columns...)
	if appendPartitions {
		cols = append(cols, s.Partitions...)
	}
	return cols
}

// Project resolves a column-name subset, in the requested order.
func (s *Schema) Project(names []string) ([]Column, error) {
	cols := make([]Column, 0, len(names))
	for _, name := range names {
		c, ok := s.Column(name)
		if !ok {
			return nil, fmt.Errorf("types: unknown column %q", name)
		}
		cols = append(cols, c)
	}
	return cols, nil
}
