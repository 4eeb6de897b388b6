package codec

import (
	"fmt"
	"math"
	"math/big"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/pkg/types"
)

type timeValue = time.Time

// RecordEncoder serializes records into the binary block format. One encoder
// accumulates one physical block: records followed by a count and stream
// checksum trailer appended by Finish. Encoders are not safe for concurrent
// use.
type RecordEncoder struct {
	columns []types.Column
	buf     []byte
	scratch []byte
	recCRC  Checksum
	sumCRC  Checksum
	count   int64
}

// NewRecordEncoder creates an encoder aligned to the resolved column list.
func NewRecordEncoder(columns []types.Column) *RecordEncoder {
	return &RecordEncoder{columns: columns}
}

// Append encodes one record onto the buffer. The record's value count must
// equal the encoder's column count; callers enforcing a tolerant arity
// policy pad or reject before calling.
func (e *RecordEncoder) Append(rec *types.Record) error {
	vals := rec.Values()
	if len(vals) != len(e.columns) {
		return errors.NewValidationError(errors.CodeSchemaMismatch,
			fmt.Sprintf("record has %d values, schema has %d columns", len(vals), len(e.columns)))
	}
	mark := len(e.buf)
	for i, v := range vals {
		if v == nil {
			continue
		}
		content, err := appendValue(e.scratch[:0], v, e.columns[i].Type)
		if err != nil {
			e.buf = e.buf[:mark]
			e.recCRC.Reset()
			return fmt.Errorf("codec: column %q: %w", e.columns[i].Name, err)
		}
		e.scratch = content[:0]
		e.recCRC.UpdateUint32(uint32(i + 1))
		e.recCRC.Update(content)
		e.buf = protowire.AppendTag(e.buf, protowire.Number(i+1), wireTypeOf(e.columns[i].Type))
		e.buf = append(e.buf, content...)
	}
	crc := e.recCRC.Value()
	e.recCRC.Reset()
	e.sumCRC.UpdateUint32(crc)
	e.buf = protowire.AppendTag(e.buf, endRecordField, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(crc))
	e.count++
	return nil
}

// Len returns the number of buffered bytes.
func (e *RecordEncoder) Len() int { return len(e.buf) }

// RecordCount returns the number of records appended since the last Reset.
func (e *RecordEncoder) RecordCount() int64 { return e.count }

// Finish appends the record-count and stream-checksum trailer and returns
// the complete block payload. The encoder must be Reset before reuse.
func (e *RecordEncoder) Finish() []byte {
	e.buf = protowire.AppendTag(e.buf, metaCountField, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(e.count))
	e.buf = protowire.AppendTag(e.buf, metaChecksumField, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(e.sumCRC.Value()))
	return e.buf
}

// Reset clears buffered bytes, counters and checksums.
func (e *RecordEncoder) Reset() {
	e.buf = e.buf[:0]
	e.count = 0
	e.recCRC.Reset()
	e.sumCRC.Reset()
}

func wireTypeOf(t types.DataType) protowire.Type {
	switch t.Kind() {
	case types.KindFloat:
		return protowire.Fixed32Type
	case types.KindDouble:
		return protowire.Fixed64Type
	case types.KindString, types.KindBinary, types.KindChar, types.KindVarchar,
		types.KindJSON, types.KindDecimal:
		return protowire.BytesType
	default:
		return protowire.VarintType
	}
}

var intBounds = map[types.Kind][2]int64{
	types.KindTinyint:  {math.MinInt8, math.MaxInt8},
	types.KindSmallint: {math.MinInt16, math.MaxInt16},
	types.KindInt:      {math.MinInt32, math.MaxInt32},
	types.KindBigint:   {math.MinInt64, math.MaxInt64},
}

// appendValue encodes one non-NULL value of the given type onto b. Nested
// values are encoded without field tags; containers carry explicit counts
// and per-element null flags.
func appendValue(b []byte, v interface{}, t types.DataType) ([]byte, error) {
	switch t.Kind() {
	case types.KindTinyint, types.KindSmallint, types.KindInt, types.KindBigint:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		bounds := intBounds[t.Kind()]
		if n < bounds[0] || n > bounds[1] {
			return nil, errors.NewValidationError(errors.CodeBadArgument,
				fmt.Sprintf("value %d out of range for %s", n, t))
		}
		return protowire.AppendVarint(b, protowire.EncodeZigZag(n)), nil

	case types.KindFloat:
		f, ok := v.(float32)
		if !ok {
			return nil, typeError(v, t)
		}
		return protowire.AppendFixed32(b, math.Float32bits(f)), nil

	case types.KindDouble:
		f, ok := v.(float64)
		if !ok {
			return nil, typeError(v, t)
		}
		return protowire.AppendFixed64(b, math.Float64bits(f)), nil

	case types.KindBoolean:
		x, ok := v.(bool)
		if !ok {
			return nil, typeError(v, t)
		}
		var n uint64
		if x {
			n = 1
		}
		return protowire.AppendVarint(b, n), nil

	case types.KindString, types.KindJSON:
		s, err := toBytes(v)
		if err != nil {
			return nil, typeError(v, t)
		}
		return protowire.AppendBytes(b, s), nil

	case types.KindBinary:
		s, ok := v.([]byte)
		if !ok {
			return nil, typeError(v, t)
		}
		return protowire.AppendBytes(b, s), nil

	case types.KindChar:
		s, err := toString(v)
		if err != nil {
			return nil, typeError(v, t)
		}
		if limit := t.(types.CharType).Limit; utf8.RuneCountInString(s) > limit {
			return nil, errors.NewValidationError(errors.CodeBadArgument,
				fmt.Sprintf("value of length %d exceeds %s", utf8.RuneCountInString(s), t))
		}
		return protowire.AppendBytes(b, []byte(s)), nil

	case types.KindVarchar:
		s, err := toString(v)
		if err != nil {
			return nil, typeError(v, t)
		}
		if limit := t.(types.VarcharType).Limit; utf8.RuneCountInString(s) > limit {
			return nil, errors.NewValidationError(errors.CodeBadArgument,
				fmt.Sprintf("value of length %d exceeds %s", utf8.RuneCountInString(s), t))
		}
		return protowire.AppendBytes(b, []byte(s)), nil

	case types.KindDate:
		tv, ok := v.(timeValue)
		if !ok {
			return nil, typeError(v, t)
		}
		days := floorDiv(tv.Unix(), 86400)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(days)), nil

	case types.KindDatetime:
		tv, ok := v.(timeValue)
		if !ok {
			return nil, typeError(v, t)
		}
		return protowire.AppendVarint(b, protowire.EncodeZigZag(tv.UnixMilli())), nil

	case types.KindTimestamp, types.KindTimestampNTZ:
		tv, ok := v.(timeValue)
		if !ok {
			return nil, typeError(v, t)
		}
		sec := tv.Unix()
		nanos := int64(tv.Nanosecond())
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(sec))
		return protowire.AppendVarint(b, uint64(nanos)), nil

	case types.KindIntervalDayTime:
		iv, ok := v.(types.IntervalDayTime)
		if !ok {
			return nil, typeError(v, t)
		}
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(iv.Seconds))
		return protowire.AppendVarint(b, uint64(uint32(iv.Nanos))), nil

	case types.KindIntervalYearMonth:
		m, ok := v.(types.Months)
		if !ok {
			return nil, typeError(v, t)
		}
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m))), nil

	case types.KindDecimal:
		d, ok := v.(decimal.Decimal)
		if !ok {
			return nil, typeError(v, t)
		}
		return appendDecimal(b, d, t.(types.DecimalType))

	case types.KindArray:
		arr, ok := v.([]interface{})
		if !ok {
			return nil, typeError(v, t)
		}
		elem := t.(types.ArrayType).Element
		b = protowire.AppendVarint(b, uint64(len(arr)))
		for _, item := range arr {
			var err error
			b, err = appendNullable(b, item, elem)
			if err != nil {
				return nil, err
			}
		}
		return b, nil

	case types.KindMap:
		mt := t.(types.MapType)
		switch m := v.(type) {
		case map[interface{}]interface{}:
			b = protowire.AppendVarint(b, uint64(len(m)))
			for k, val := range m {
				var err error
				if k == nil {
					return nil, errors.NewValidationError(errors.CodeBadArgument, "map key cannot be NULL")
				}
				b, err = appendValue(b, k, mt.Key)
				if err != nil {
					return nil, err
				}
				b, err = appendNullable(b, val, mt.Value)
				if err != nil {
					return nil, err
				}
			}
			return b, nil
		case *types.OrderedMap:
			b = protowire.AppendVarint(b, uint64(m.Len()))
			for _, k := range m.Keys() {
				var err error
				b, err = appendValue(b, k, mt.Key)
				if err != nil {
					return nil, err
				}
				val, _ := m.Get(k)
				b, err = appendNullable(b, val, mt.Value)
				if err != nil {
					return nil, err
				}
			}
			return b, nil
		default:
			return nil, typeError(v, t)
		}

	case types.KindStruct:
		st := t.(types.StructType)
		vals, err := structFieldValues(v, st)
		if err != nil {
			return nil, err
		}
		for i, f := range st.Fields {
			b, err = appendNullable(b, vals[i], f.Type)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		return b, nil
	}
	return nil, errors.NewInternalError(fmt.Sprintf("unhandled type kind %s", t.Kind()), nil)
}

// appendNullable writes a null flag followed by the value when present.
func appendNullable(b []byte, v interface{}, t types.DataType) ([]byte, error) {
	if v == nil {
		return protowire.AppendVarint(b, 1), nil
	}
	b = protowire.AppendVarint(b, 0)
	return appendValue(b, v, t)
}

// structFieldValues resolves any accepted struct materialization into a
// positional value slice aligned to the declared fields.
func structFieldValues(v interface{}, st types.StructType) ([]interface{}, error) {
	switch sv := v.(type) {
	case *types.StructValue:
		if sv.Len() != len(st.Fields) {
			return nil, errors.NewValidationError(errors.CodeSchemaMismatch,
				fmt.Sprintf("struct value has %d fields, type has %d", sv.Len(), len(st.Fields)))
		}
		return sv.Values(), nil
	case map[string]interface{}:
		vals := make([]interface{}, len(st.Fields))
		for i, f := range st.Fields {
			vals[i] = sv[f.Name]
		}
		return vals, nil
	case *types.OrderedMap:
		vals := make([]interface{}, len(st.Fields))
		for i, f := range st.Fields {
			vals[i], _ = sv.Get(f.Name)
		}
		return vals, nil
	default:
		return nil, typeError(v, st)
	}
}

func appendDecimal(b []byte, d decimal.Decimal, t types.DecimalType) ([]byte, error) {
	precision, scale := t.Bounds()
	exp := int(d.Exponent())
	if -exp > scale {
		return nil, errors.NewValidationError(errors.CodeDecimalOverflow,
			fmt.Sprintf("value %s has more than %d decimal places for %s", d, scale, t))
	}
	unscaled := new(big.Int).Set(d.Coefficient())
	if shift := scale + exp; shift > 0 {
		unscaled.Mul(unscaled, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil))
	}
	if digits := decimalDigits(unscaled); digits > precision {
		return nil, errors.NewValidationError(errors.CodeDecimalOverflow,
			fmt.Sprintf("value %s has %d digits, exceeding precision of %s", d, digits, t))
	}
	return protowire.AppendBytes(b, twosComplement(unscaled)), nil
}

func decimalDigits(v *big.Int) int {
	s := new(big.Int).Abs(v).String()
	if s == "0" {
		return 1
	}
	return len(s)
}

// twosComplement returns the minimal big-endian two's-complement encoding.
func twosComplement(v *big.Int) []byte {
	if v.Sign() >= 0 {
		b := v.Bytes()
		if len(b) == 0 || b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		return b
	}
	n := (v.BitLen() + 8) / 8
	if n == 0 {
		n = 1
	}
	mod := new(big.Int).Lsh(big.NewInt(1), uint(8*n))
	tv := new(big.Int).Add(mod, v)
	b := tv.Bytes()
	for len(b) < n {
		b = append([]byte{0}, b...)
	}
	return b
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func typeError(v interface{}, t types.DataType) error {
	return errors.NewValidationError(errors.CodeBadArgument,
		fmt.Sprintf("cannot encode %T as %s", v, t))
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	default:
		return 0, errors.NewValidationError(errors.CodeBadArgument,
			fmt.Sprintf("cannot encode %T as integer", v))
	}
}

func toString(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("not a string")
	}
}

func toBytes(v interface{}) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	default:
		return nil, fmt.Errorf("not a string")
	}
}
