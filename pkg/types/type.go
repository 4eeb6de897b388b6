// Package types provides the type system, schemas and records shared by the
// tunnel data plane: a closed set of column types, typed values, and the
// record structure aligned to a resolved schema.
package types

import (
	"fmt"
	"strings"
)

// Kind identifies one member of the closed column type set.
type Kind int

const (
	KindTinyint Kind = iota
	KindSmallint
	KindInt
	KindBigint
	KindFloat
	KindDouble
	KindBoolean
	KindString
	KindBinary
	KindDate
	KindDatetime
	KindTimestamp
	KindTimestampNTZ
	KindIntervalDayTime
	KindIntervalYearMonth
	KindJSON
	KindDecimal
	KindChar
	KindVarchar
	KindArray
	KindMap
	KindStruct
)

var kindNames = map[Kind]string{
	KindTinyint:           "tinyint",
	KindSmallint:          "smallint",
	KindInt:               "int",
	KindBigint:            "bigint",
	KindFloat:             "float",
	KindDouble:            "double",
	KindBoolean:           "boolean",
	KindString:            "string",
	KindBinary:            "binary",
	KindDate:              "date",
	KindDatetime:          "datetime",
	KindTimestamp:         "timestamp",
	KindTimestampNTZ:      "timestamp_ntz",
	KindIntervalDayTime:   "interval_day_time",
	KindIntervalYearMonth: "interval_year_month",
	KindJSON:              "json",
	KindDecimal:           "decimal",
	KindChar:              "char",
	KindVarchar:           "varchar",
	KindArray:             "array",
	KindMap:               "map",
	KindStruct:            "struct",
}

// String returns the lowercase wire name of the kind.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DataType is one member of the closed column type set. The concrete
// implementations below are the only ones; codec switches over Kind are
// exhaustive and carry no fallback branch.
type DataType interface {
	Kind() Kind
	String() string
}

// PrimitiveType is a column type without parameters.
type PrimitiveType struct {
	kind Kind
}

func (t PrimitiveType) Kind() Kind     { return t.kind }
func (t PrimitiveType) String() string { return t.kind.String() }

// Singleton values for every primitive type.
var (
	Tinyint           = PrimitiveType{KindTinyint}
	Smallint          = PrimitiveType{KindSmallint}
	Int               = PrimitiveType{KindInt}
	Bigint            = PrimitiveType{KindBigint}
	Float             = PrimitiveType{KindFloat}
	Double            = PrimitiveType{KindDouble}
	Boolean           = PrimitiveType{KindBoolean}
	String            = PrimitiveType{KindString}
	Binary            = PrimitiveType{KindBinary}
	Date              = PrimitiveType{KindDate}
	Datetime          = PrimitiveType{KindDatetime}
	Timestamp         = PrimitiveType{KindTimestamp}
	TimestampNTZ      = PrimitiveType{KindTimestampNTZ}
	IntervalDayTimeT  = PrimitiveType{KindIntervalDayTime}
	IntervalYearMonth = PrimitiveType{KindIntervalYearMonth}
	JSON              = PrimitiveType{KindJSON}
)

// Default bounds for decimal columns declared without precision or scale.
const (
	MaxDecimalPrecision = 38
	LegacyDecimalScale  = 18
)

// DecimalType is a decimal column with declared precision and scale.
// Precision zero denotes a legacy decimal without declared bounds, which
// validates against (MaxDecimalPrecision, LegacyDecimalScale).
type DecimalType struct {
	Precision int
	Scale     int
}

func (t DecimalType) Kind() Kind { return KindDecimal }

func (t DecimalType) String() string {
	if t.Precision == 0 {
		return "decimal"
	}
	if t.Scale == 0 {
		return fmt.Sprintf("decimal(%d)", t.Precision)
	}
	return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale)
}

// Bounds returns the effective (precision, scale) used for validation.
func (t DecimalType) Bounds() (int, int) {
	if t.Precision == 0 {
		return MaxDecimalPrecision, LegacyDecimalScale
	}
	return t.Precision, t.Scale
}

// CharType is a fixed-length string column. Decoded values are always
// right-padded with spaces to exactly Limit characters.
type CharType struct {
	Limit int
}

func (t CharType) Kind() Kind     { return KindChar }
func (t CharType) String() string { return fmt.Sprintf("char(%d)", t.Limit) }

// VarcharType is a bounded variable-length string column. Values are
// validated against Limit on encode and never padded.
type VarcharType struct {
	Limit int
}

func (t VarcharType) Kind() Kind     { return KindVarchar }
func (t VarcharType) String() string { return fmt.Sprintf("varchar(%d)", t.Limit) }

// ArrayType is an array column.
type ArrayType struct {
	Element DataType
}

func (t ArrayType) Kind() Kind     { return KindArray }
func (t ArrayType) String() string { return fmt.Sprintf("array<%s>", t.Element) }

// MapType is a map column. Keys are restricted to integer and string kinds.
type MapType struct {
	Key   DataType
	Value DataType
}

func (t MapType) Kind() Kind     { return KindMap }
func (t MapType) String() string { return fmt.Sprintf("map<%s,%s>", t.Key, t.Value) }

// StructField is one named field of a struct column. Field order is part of
// the type: structs encode as a fixed positional sequence.
type StructField struct {
	Name string
	Type DataType
}

// StructType is a struct column with ordered named fields.
type StructType struct {
	Fields []StructField
}

func (t StructType) Kind() Kind { return KindStruct }

func (t StructType) String() string {
	var sb strings.Builder
	sb.WriteString("struct<")
	for i, f := range t.Fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(f.Name)
		sb.WriteByte(':')
		sb.WriteString(f.Type.String())
	}
	sb.WriteByte('>')
	return sb.String()
}

// FieldNames returns the field names in declaration order.
func (t StructType) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// TypeEqual reports whether two types are structurally identical, including
// parameters and nested element types.
func TypeEqual(a, b DataType) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch at := a.(type) {
	case PrimitiveType:
		return true
	case DecimalType:
		bt := b.(DecimalType)
		return at.Precision == bt.Precision && at.Scale == bt.Scale
	case CharType:
		return at.Limit == b.(CharType).Limit
	case VarcharType:
		return at.Limit == b.(VarcharType).Limit
	case ArrayType:
		return TypeEqual(at.Element, b.(ArrayType).Element)
	case MapType:
		bt := b.(MapType)
		return TypeEqual(at.Key, bt.Key) && TypeEqual(at.Value, bt.Value)
	case StructType:
		bt := b.(StructType)
		if len(at.Fields) != len(bt.Fields) {
			return false
		}
		for i := range at.Fields {
			if at.Fields[i].Name != bt.Fields[i].Name {
				return false
			}
			if !TypeEqual(at.Fields[i].Type, bt.Fields[i].Type) {
				return false
			}
		}
		return true
	}
	return false
}
