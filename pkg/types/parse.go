package types

import (
	"fmt"
	"strconv"
	"strings"
)

var primitivesByName = map[string]PrimitiveType{
	"tinyint":             Tinyint,
	"smallint":            Smallint,
	"int":                 Int,
	"bigint":              Bigint,
	"float":               Float,
	"double":              Double,
	"boolean":             Boolean,
	"string":              String,
	"binary":              Binary,
	"date":                Date,
	"datetime":            Datetime,
	"timestamp":           Timestamp,
	"timestamp_ntz":       TimestampNTZ,
	"interval_day_time":   IntervalDayTimeT,
	"interval_year_month": IntervalYearMonth,
	"json":                JSON,
}

// ParseType parses the textual type name used by the control plane, e.g.
// "bigint", "decimal(10,2)", "char(30)", "array<string>",
// "map<string,bigint>" or "struct<name:string,age:int>". Names are case
// insensitive; nested types may nest arbitrarily.
func ParseType(s string) (DataType, error) {
	t, rest, err := parseType(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rest) != "" {
		return nil, fmt.Errorf("types: trailing input %q in type %q", rest, s)
	}
	return t, nil
}

// parseType consumes one type from the head of s and returns the remainder.
func parseType(s string) (DataType, string, error) {
	s = strings.TrimLeft(s, " ")
	head := s
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '<' || c == '(' || c == ',' || c == '>' || c == ')' {
			head = s[:i]
			break
		}
	}
	name := strings.ToLower(strings.TrimSpace(head))
	rest := s[len(head):]

	switch name {
	case "decimal":
		if !strings.HasPrefix(rest, "(") {
			return DecimalType{}, rest, nil
		}
		args, rem, err := parseIntArgs(rest, name)
		if err != nil {
			return nil, "", err
		}
		switch len(args) {
		case 1:
			return DecimalType{Precision: args[0]}, rem, nil
		case 2:
			return DecimalType{Precision: args[0], Scale: args[1]}, rem, nil
		default:
			return nil, "", fmt.Errorf("types: decimal takes 1 or 2 arguments, got %d", len(args))
		}
	case "char", "varchar":
		args, rem, err := parseIntArgs(rest, name)
		if err != nil {
			return nil, "", err
		}
		if len(args) != 1 || args[0] <= 0 {
			return nil, "", fmt.Errorf("types: %s requires one positive length argument", name)
		}
		if name == "char" {
			return CharType{Limit: args[0]}, rem, nil
		}
		return VarcharType{Limit: args[0]}, rem, nil
	case "array":
		rem, err := expect(rest, '<')
		if err != nil {
			return nil, "", err
		}
		elem, rem, err := parseType(rem)
		if err != nil {
			return nil, "", err
		}
		rem, err = expect(rem, '>')
		if err != nil {
			return nil, "", err
		}
		return ArrayType{Element: elem}, rem, nil
	case "map":
		rem, err := expect(rest, '<')
		if err != nil {
			return nil, "", err
		}
		key, rem, err := parseType(rem)
		if err != nil {
			return nil, "", err
		}
		rem, err = expect(rem, ',')
		if err != nil {
			return nil, "", err
		}
		val, rem, err := parseType(rem)
		if err != nil {
			return nil, "", err
		}
		rem, err = expect(rem, '>')
		if err != nil {
			return nil, "", err
		}
		return MapType{Key: key, Value: val}, rem, nil
	case "struct":
		rem, err := expect(rest, '<')
		if err != nil {
			return nil, "", err
		}
		var fields []StructField
		for {
			rem = strings.TrimLeft(rem, " ")
			colon := strings.IndexByte(rem, ':')
			if colon <= 0 {
				return nil, "", fmt.Errorf("types: struct field missing name in %q", rem)
			}
			fname := strings.TrimSpace(rem[:colon])
			var ftype DataType
			ftype, rem, err = parseType(rem[colon+1:])
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, StructField{Name: fname, Type: ftype})
			rem = strings.TrimLeft(rem, " ")
			if strings.HasPrefix(rem, ",") {
				rem = rem[1:]
				continue
			}
			rem, err = expect(rem, '>')
			if err != nil {
				return nil, "", err
			}
			return StructType{Fields: fields}, rem, nil
		}
	default:
		if t, ok := primitivesByName[name]; ok {
			return t, rest, nil
		}
		return nil, "", fmt.Errorf("types: unknown type %q", name)
	}
}

func expect(s string, c byte) (string, error) {
	s = strings.TrimLeft(s, " ")
	if len(s) == 0 || s[0] != c {
		return "", fmt.Errorf("types: expected %q at %q", string(c), s)
	}
	return s[1:], nil
}

// parseIntArgs parses "(n)" or "(n,m)" argument lists.
func parseIntArgs(s, name string) ([]int, string, error) {
	s = strings.TrimLeft(s, " ")
	if !strings.HasPrefix(s, "(") {
		return nil, "", fmt.Errorf("types: %s requires arguments", name)
	}
	end := strings.IndexByte(s, ')')
	if end < 0 {
		return nil, "", fmt.Errorf("types: unterminated argument list for %s", name)
	}
	var args []int
	for _, part := range strings.Split(s[1:end], ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, "", fmt.Errorf("types: bad argument for %s: %w", name, err)
		}
		args = append(args, n)
	}
	return args, s[end+1:], nil
}
