package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// NullToken is the escaped-text representation of a NULL column.
const NullToken = `\N`

// EscapeText renders a raw field value in the escaped text form used by the
// legacy CSV download path. Backslash escapes first so later escapes are not
// double-processed on the way back.
func EscapeText(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		switch {
		case c == '\\':
			sb.WriteString(`\x5c`)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// UnescapeText reverses EscapeText. Unrecognized escape sequences pass
// through unchanged.
func UnescapeText(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			out = append(out, c)
			i++
			continue
		}
		switch s[i+1] {
		case 'n':
			out = append(out, '\n')
			i += 2
		case 'r':
			out = append(out, '\r')
			i += 2
		case 't':
			out = append(out, '\t')
			i += 2
		case 'x':
			if i+4 <= len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
					out = append(out, byte(v))
					i += 4
					continue
				}
			}
			out = append(out, c)
			i++
		default:
			out = append(out, c)
			i++
		}
	}
	return out
}

// ParseValue interprets an unescaped text field according to the column
// type. The text grammar for containers splits on top-level commas and does
// not support nested values whose text contains a comma or colon.
func ParseValue(s string, t types.DataType, opts Options) (interface{}, error) {
	switch t.Kind() {
	case types.KindTinyint, types.KindSmallint, types.KindInt, types.KindBigint:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, badLiteral(s, t)
		}
		if bounds, ok := intBounds[t.Kind()]; ok && (v < bounds[0] || v > bounds[1]) {
			return nil, badLiteral(s, t)
		}
		return v, nil

	case types.KindFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		if err != nil {
			return nil, badLiteral(s, t)
		}
		return float32(v), nil

	case types.KindDouble:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, badLiteral(s, t)
		}
		return v, nil

	case types.KindBoolean:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, badLiteral(s, t)

	case types.KindString, types.KindJSON:
		if opts.StringAsBinary && t.Kind() == types.KindString {
			return []byte(s), nil
		}
		return s, nil

	case types.KindChar, types.KindVarchar:
		return s, nil

	case types.KindBinary:
		return []byte(s), nil

	case types.KindDecimal:
		v, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, badLiteral(s, t)
		}
		return v, nil

	case types.KindDate:
		v, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), time.UTC)
		if err != nil {
			return nil, badLiteral(s, t)
		}
		return v, nil

	case types.KindDatetime, types.KindTimestamp, types.KindTimestampNTZ:
		raw := strings.TrimSpace(s)
		for _, layout := range []string{"2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05", "2006-01-02T15:04:05.999999999Z07:00"} {
			if v, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
				return v, nil
			}
		}
		return nil, badLiteral(s, t)

	case types.KindIntervalYearMonth:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, badLiteral(s, t)
		}
		return types.Months(v), nil

	case types.KindArray:
		elem := t.(types.ArrayType).Element
		body, ok := stripDelims(s, '[', ']')
		if !ok {
			return nil, badLiteral(s, t)
		}
		if body == "" {
			return []interface{}{}, nil
		}
		parts := strings.Split(body, ",")
		arr := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			v, err := parseNullable(p, elem, opts)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil

	case types.KindMap:
		mt := t.(types.MapType)
		body, ok := stripDelims(s, '{', '}')
		if !ok {
			return nil, badLiteral(s, t)
		}
		m := make(map[interface{}]interface{})
		if body == "" {
			return m, nil
		}
		for _, p := range strings.Split(body, ",") {
			kv := strings.SplitN(p, ":", 2)
			if len(kv) != 2 {
				return nil, badLiteral(s, t)
			}
			k, err := ParseValue(kv[0], mt.Key, opts)
			if err != nil {
				return nil, err
			}
			if kb, okb := k.([]byte); okb {
				k = string(kb)
			}
			v, err := parseNullable(kv[1], mt.Value, opts)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	}
	return nil, errors.NewValidationError(errors.CodeUnsupported,
		fmt.Sprintf("type %s has no text representation", t))
}

// FormatValue renders a decoded value in the escaped text form ParseValue
// accepts. NULL renders as the null token.
func FormatValue(v interface{}, t types.DataType) string {
	if v == nil {
		return NullToken
	}
	switch t.Kind() {
	case types.KindString, types.KindJSON, types.KindChar, types.KindVarchar:
		switch s := v.(type) {
		case string:
			return EscapeText([]byte(s))
		case []byte:
			return EscapeText(s)
		}

	case types.KindBinary:
		if b, ok := v.([]byte); ok {
			return EscapeText(b)
		}

	case types.KindDecimal:
		if d, ok := v.(decimal.Decimal); ok {
			return d.String()
		}

	case types.KindDate:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC().Format("2006-01-02")
		}

	case types.KindDatetime, types.KindTimestamp, types.KindTimestampNTZ:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC().Format("2006-01-02 15:04:05.999999999")
		}

	case types.KindIntervalYearMonth:
		if m, ok := v.(types.Months); ok {
			return strconv.FormatInt(int64(m), 10)
		}

	case types.KindArray:
		if arr, ok := v.([]interface{}); ok {
			elem := t.(types.ArrayType).Element
			parts := make([]string, len(arr))
			for i, e := range arr {
				parts[i] = FormatValue(e, elem)
			}
			return "[" + strings.Join(parts, ",") + "]"
		}

	case types.KindMap:
		if m, ok := v.(map[interface{}]interface{}); ok {
			mt := t.(types.MapType)
			parts := make([]string, 0, len(m))
			for k, e := range m {
				parts = append(parts, FormatValue(k, mt.Key)+":"+FormatValue(e, mt.Value))
			}
			sort.Strings(parts)
			return "{" + strings.Join(parts, ",") + "}"
		}
	}
	return fmt.Sprintf("%v", v)
}

func parseNullable(s string, t types.DataType, opts Options) (interface{}, error) {
	if s == NullToken {
		return nil, nil
	}
	return ParseValue(s, t, opts)
}

func stripDelims(s string, open, closing byte) (string, bool) {
	if len(s) < 2 || s[0] != open || s[len(s)-1] != closing {
		return "", false
	}
	return s[1 : len(s)-1], true
}

func badLiteral(s string, t types.DataType) error {
	return errors.NewDataError(errors.CodeBadLiteral,
		fmt.Sprintf("cannot parse %q as %s", s, t))
}
