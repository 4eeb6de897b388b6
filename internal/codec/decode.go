package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// crcReader reads from the underlying stream, optionally folding consumed
// bytes into the current record checksum. Field tags and trailer varints are
// read with the checksum off, value payloads with it on, mirroring the
// encoder's typed updates.
type crcReader struct {
	br  *bufio.Reader
	crc *Checksum
	on  bool
}

func (r *crcReader) readByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return 0, err
	}
	if r.on {
		r.crc.Update([]byte{b})
	}
	return b, nil
}

func (r *crcReader) readFull(p []byte) error {
	if _, err := io.ReadFull(r.br, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if r.on {
		r.crc.Update(p)
	}
	return nil
}

func (r *crcReader) readUvarint() (uint64, error) {
	var x uint64
	var s uint
	for i := 0; ; i++ {
		b, err := r.readByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if i == 9 && b > 1 {
			return 0, errors.NewDataError(errors.CodeMalformedPayload, "varint overflows 64 bits")
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

// RecordDecoder deserializes the binary block format into records. Decoders
// are forward-only and not safe for concurrent use.
type RecordDecoder struct {
	columns []types.Column
	opts    Options
	r       *crcReader
	recCRC  Checksum
	sumCRC  Checksum
	count   int64
	total   int64
	done    bool
}

// NewRecordDecoder creates a decoder over r aligned to the resolved column
// list.
func NewRecordDecoder(r io.Reader, columns []types.Column, opts Options) *RecordDecoder {
	d := &RecordDecoder{columns: columns, opts: opts, total: -1}
	d.r = &crcReader{br: bufio.NewReader(r), crc: &d.recCRC}
	return d
}

// RecordCount returns the number of records decoded so far.
func (d *RecordDecoder) RecordCount() int64 { return d.count }

// Total returns the record count declared by the stream trailer, or -1 if
// the trailer has not been reached.
func (d *RecordDecoder) Total() int64 { return d.total }

// Next decodes the next record, or returns io.EOF after the stream trailer.
// Checksum and count mismatches surface as fatal data errors; read failures
// from the underlying stream surface as retryable transport errors.
func (d *RecordDecoder) Next() (*types.Record, error) {
	if d.done {
		return nil, io.EOF
	}
	values := make([]interface{}, len(d.columns))
	midRecord := false
	for {
		d.r.on = false
		tag, err := d.r.readUvarint()
		if err != nil {
			if err == io.EOF && !midRecord {
				// Stream ended at a record boundary without a trailer;
				// the caller reconciles counts against the session.
				d.done = true
				return nil, io.EOF
			}
			return nil, streamError(err)
		}
		num := int64(tag >> 3)
		switch num {
		case endRecordField:
			want, err := d.r.readUvarint()
			if err != nil {
				return nil, streamError(err)
			}
			got := d.recCRC.Value()
			d.recCRC.Reset()
			if uint32(want) != got {
				return nil, errors.NewDataError(errors.CodeChecksumMismatch,
					fmt.Sprintf("record checksum mismatch: got %08x, want %08x", got, uint32(want)))
			}
			d.sumCRC.UpdateUint32(got)
			d.count++
			return types.RecordFromValues(d.columns, values), nil

		case metaCountField:
			n, err := d.r.readUvarint()
			if err != nil {
				return nil, streamError(err)
			}
			d.total = int64(n)

		case metaChecksumField:
			want, err := d.r.readUvarint()
			if err != nil {
				return nil, streamError(err)
			}
			if midRecord {
				return nil, errors.NewDataError(errors.CodeMalformedPayload, "stream trailer inside a record")
			}
			if got := d.sumCRC.Value(); uint32(want) != got {
				return nil, errors.NewDataError(errors.CodeChecksumMismatch,
					fmt.Sprintf("stream checksum mismatch: got %08x, want %08x", got, uint32(want)))
			}
			if d.total >= 0 && d.total != d.count {
				return nil, errors.NewDataError(errors.CodeMalformedPayload,
					fmt.Sprintf("stream trailer declares %d records, decoded %d", d.total, d.count))
			}
			d.done = true
			return nil, io.EOF

		default:
			i := int(num) - 1
			if i < 0 || i >= len(d.columns) {
				return nil, errors.NewDataError(errors.CodeMalformedPayload,
					fmt.Sprintf("field number %d outside schema of %d columns", num, len(d.columns)))
			}
			d.recCRC.UpdateUint32(uint32(num))
			d.r.on = true
			v, err := d.consumeValue(d.columns[i].Type)
			d.r.on = false
			if err != nil {
				return nil, err
			}
			values[i] = v
			midRecord = true
		}
	}
}

func streamError(err error) error {
	if errors.GetCategory(err) != "" {
		return err
	}
	return errors.NewTransportError(errors.CodeConnectionFailed, "reading record stream", err)
}

func (d *RecordDecoder) consumeValue(t types.DataType) (interface{}, error) {
	switch t.Kind() {
	case types.KindTinyint, types.KindSmallint, types.KindInt, types.KindBigint:
		v, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		return protowire.DecodeZigZag(v), nil

	case types.KindFloat:
		var buf [4]byte
		if err := d.r.readFull(buf[:]); err != nil {
			return nil, streamError(err)
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[:])), nil

	case types.KindDouble:
		var buf [8]byte
		if err := d.r.readFull(buf[:]); err != nil {
			return nil, streamError(err)
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), nil

	case types.KindBoolean:
		v, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		return v != 0, nil

	case types.KindString:
		b, err := d.consumeBytes()
		if err != nil {
			return nil, err
		}
		if d.opts.StringAsBinary {
			return b, nil
		}
		return string(b), nil

	case types.KindJSON, types.KindVarchar:
		b, err := d.consumeBytes()
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case types.KindChar:
		b, err := d.consumeBytes()
		if err != nil {
			return nil, err
		}
		s := string(b)
		if limit := t.(types.CharType).Limit; utf8.RuneCountInString(s) < limit {
			s += strings.Repeat(" ", limit-utf8.RuneCountInString(s))
		}
		return s, nil

	case types.KindBinary:
		return d.consumeBytes()

	case types.KindDate:
		v, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		days := protowire.DecodeZigZag(v)
		return d.checkAntique(time.Unix(days*86400, 0).UTC())

	case types.KindDatetime:
		v, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		return d.checkAntique(time.UnixMilli(protowire.DecodeZigZag(v)).UTC())

	case types.KindTimestamp, types.KindTimestampNTZ:
		sv, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		nv, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		return time.Unix(protowire.DecodeZigZag(sv), int64(nv)).UTC(), nil

	case types.KindIntervalDayTime:
		sv, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		nv, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		return types.IntervalDayTime{Seconds: protowire.DecodeZigZag(sv), Nanos: int32(uint32(nv))}, nil

	case types.KindIntervalYearMonth:
		v, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		return types.Months(protowire.DecodeZigZag(v)), nil

	case types.KindDecimal:
		b, err := d.consumeBytes()
		if err != nil {
			return nil, err
		}
		_, scale := t.(types.DecimalType).Bounds()
		return decimal.NewFromBigInt(fromTwosComplement(b), -int32(scale)), nil

	case types.KindArray:
		n, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		elem := t.(types.ArrayType).Element
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := d.consumeNullable(elem)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil

	case types.KindMap:
		n, err := d.r.readUvarint()
		if err != nil {
			return nil, streamError(err)
		}
		mt := t.(types.MapType)
		m := make(map[interface{}]interface{}, n)
		for i := uint64(0); i < n; i++ {
			k, err := d.consumeValue(mt.Key)
			if err != nil {
				return nil, err
			}
			// Binary string keys are not hashable as []byte.
			if kb, ok := k.([]byte); ok {
				k = string(kb)
			}
			v, err := d.consumeNullable(mt.Value)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil

	case types.KindStruct:
		st := t.(types.StructType)
		vals := make([]interface{}, len(st.Fields))
		for i, f := range st.Fields {
			v, err := d.consumeNullable(f.Type)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			vals[i] = v
		}
		return materializeStruct(st, vals, d.opts.StructMode)
	}
	return nil, errors.NewInternalError(fmt.Sprintf("unhandled type kind %s", t.Kind()), nil)
}

func (d *RecordDecoder) consumeNullable(t types.DataType) (interface{}, error) {
	flag, err := d.r.readUvarint()
	if err != nil {
		return nil, streamError(err)
	}
	if flag != 0 {
		return nil, nil
	}
	return d.consumeValue(t)
}

func (d *RecordDecoder) consumeBytes() ([]byte, error) {
	n, err := d.r.readUvarint()
	if err != nil {
		return nil, streamError(err)
	}
	b := make([]byte, n)
	if err := d.r.readFull(b); err != nil {
		return nil, streamError(err)
	}
	return b, nil
}

func (d *RecordDecoder) checkAntique(tv time.Time) (interface{}, error) {
	if !tv.Before(d.opts.antiqueThreshold()) || d.opts.AllowAntiqueDate {
		return tv, nil
	}
	if d.opts.OverflowDateAsNone {
		return nil, nil
	}
	return nil, errors.NewDatetimeOverflow(
		fmt.Sprintf("date %s precedes the antique threshold; enable allow_antique_date to read it", tv.Format("2006-01-02")))
}

// materializeStruct applies the configured struct materialization; the
// choice never affects encoded bytes.
func materializeStruct(st types.StructType, vals []interface{}, mode types.StructMode) (interface{}, error) {
	switch mode {
	case types.StructAsMap:
		m := make(map[string]interface{}, len(st.Fields))
		for i, f := range st.Fields {
			m[f.Name] = vals[i]
		}
		return m, nil
	case types.StructAsOrderedMap:
		m := types.NewOrderedMap()
		for i, f := range st.Fields {
			m.Set(f.Name, vals[i])
		}
		return m, nil
	default:
		return types.NewStructValue(st.FieldNames(), vals)
	}
}

func fromTwosComplement(b []byte) *big.Int {
	v := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(8*len(b))))
	}
	return v
}
