package types

import (
	"fmt"
	"time"
)

// Decoded value representation per kind:
//
//	tinyint/smallint/int/bigint  int64
//	float                        float32
//	double                       float64
//	boolean                      bool
//	string/char/varchar/json     string ([]byte under string-as-binary)
//	binary                       []byte
//	date/datetime/timestamp(_ntz) time.Time
//	decimal                      decimal.Decimal
//	interval_day_time            IntervalDayTime
//	interval_year_month          Months
//	array                        []interface{}
//	map                          map[interface{}]interface{}
//	struct                       *StructValue, map or *OrderedMap (see StructMode)
//
// NULL is a nil interface value in every position.

// IntervalDayTime is a day-time interval with nanosecond resolution.
type IntervalDayTime struct {
	Seconds int64
	Nanos   int32
}

// Duration converts the interval to a time.Duration. Intervals beyond the
// int64 nanosecond range overflow silently; callers with antique intervals
// should use the fields directly.
func (i IntervalDayTime) Duration() time.Duration {
	return time.Duration(i.Seconds)*time.Second + time.Duration(i.Nanos)
}

func (i IntervalDayTime) String() string {
	return fmt.Sprintf("%ds %dns", i.Seconds, i.Nanos)
}

// Months is a year-month interval expressed as a signed month count.
type Months int32

// StructMode selects how struct columns materialize on decode. The choice is
// purely presentational and never affects encoded bytes.
type StructMode int

const (
	// StructAsNamed materializes structs as fixed-shape *StructValue.
	StructAsNamed StructMode = iota
	// StructAsMap materializes structs as map[string]interface{}.
	StructAsMap
	// StructAsOrderedMap materializes structs as *OrderedMap preserving
	// field declaration order.
	StructAsOrderedMap
)

// StructValue is the fixed-shape materialization of a struct column: field
// names and values aligned positionally to the declared struct type.
type StructValue struct {
	names  []string
	values []interface{}
}

// NewStructValue builds a struct value. names and values must align.
func NewStructValue(names []string, values []interface{}) (*StructValue, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("types: struct value arity %d does not match %d fields", len(values), len(names))
	}
	return &StructValue{names: names, values: values}, nil
}

func (s *StructValue) Len() int                { return len(s.values) }
func (s *StructValue) FieldName(i int) string  { return s.names[i] }
func (s *StructValue) Value(i int) interface{} { return s.values[i] }
func (s *StructValue) Values() []interface{}   { return s.values }

// Get returns the value of the named field.
func (s *StructValue) Get(name string) (interface{}, bool) {
	for i, n := range s.names {
		if n == name {
			return s.values[i], true
		}
	}
	return nil, false
}

// OrderedMap is an insertion-ordered map used for the order-preserving
// struct materialization mode.
type OrderedMap struct {
	keys   []interface{}
	values map[interface{}]interface{}
}

func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[interface{}]interface{})}
}

func (m *OrderedMap) Set(key, value interface{}) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

func (m *OrderedMap) Get(key interface{}) (interface{}, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *OrderedMap) Len() int { return len(m.keys) }

// Keys returns keys in insertion order.
func (m *OrderedMap) Keys() []interface{} { return m.keys }
