// Package types defines the values, schemas and records stored by the cache.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the semantic type of a field or value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindLong
	KindDouble
	KindString
	KindDateTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindLong:
		return "long"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindDateTime:
		return "datetime"
	default:
		return "unknown"
	}
}

// ParseKind maps a schema type name to its Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "bool", "boolean":
		return KindBool, nil
	case "long", "int", "int64", "integer":
		return KindLong, nil
	case "double", "float", "float64":
		return KindDouble, nil
	case "string", "text":
		return KindString, nil
	case "datetime", "timestamp", "time":
		return KindDateTime, nil
	default:
		return KindNull, fmt.Errorf("unknown field type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so kinds read naturally in
// YAML and JSON schema files.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value is a tagged union over the field types a record can hold.
// The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a bool value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.i = 1
	}
	return v
}

// Long returns a 64-bit integer value.
func Long(i int64) Value { return Value{kind: KindLong, i: i} }

// Double returns a 64-bit float value.
func Double(f float64) Value { return Value{kind: KindDouble, f: f} }

// String returns a text value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// DateTime returns a datetime value truncated to microseconds.
func DateTime(t time.Time) Value { return Value{kind: KindDateTime, i: t.UnixMicro()} }

// DateTimeMicros returns a datetime value from Unix microseconds.
func DateTimeMicros(us int64) Value { return Value{kind: KindDateTime, i: us} }

// Kind returns the value's type tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the bool payload.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.i != 0, true
}

// AsLong returns the integer payload.
func (v Value) AsLong() (int64, bool) {
	if v.kind != KindLong {
		return 0, false
	}
	return v.i, true
}

// AsDouble returns the float payload. Long values are widened.
func (v Value) AsDouble() (float64, bool) {
	switch v.kind {
	case KindDouble:
		return v.f, true
	case KindLong:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// AsString returns the text payload.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsDateTime returns the datetime payload in UTC.
func (v Value) AsDateTime() (time.Time, bool) {
	if v.kind != KindDateTime {
		return time.Time{}, false
	}
	return time.UnixMicro(v.i).UTC(), true
}

// Micros returns the raw microsecond payload of a datetime value.
func (v Value) Micros() (int64, bool) {
	if v.kind != KindDateTime {
		return 0, false
	}
	return v.i, true
}

// Equal reports whether a and b hold the same kind and payload.
// Doubles compare bitwise so NaN equals NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindDouble:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindString:
		return v.s == o.s
	default:
		return v.i == o.i
	}
}

// Compare orders a and b. Null sorts before every non-null value, long and
// double compare numerically with NaN after +Inf, everything else compares
// within its kind.
// Values of unrelated kinds order by kind tag so the order stays total.
func Compare(a, b Value) int {
	if a.kind == KindNull || b.kind == KindNull {
		switch {
		case a.kind == b.kind:
			return 0
		case a.kind == KindNull:
			return -1
		default:
			return 1
		}
	}

	if isNumeric(a.kind) && isNumeric(b.kind) && a.kind != b.kind {
		af, _ := a.AsDouble()
		bf, _ := b.AsDouble()
		return compareFloat64(af, bf)
	}

	if a.kind != b.kind {
		return compareInt64(int64(a.kind), int64(b.kind))
	}

	switch a.kind {
	case KindDouble:
		return compareFloat64(a.f, b.f)
	case KindString:
		return strings.Compare(a.s, b.s)
	default:
		return compareInt64(a.i, b.i)
	}
}

func isNumeric(k Kind) bool {
	return k == KindLong || k == KindDouble
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareFloat64 orders NaN after +Inf and equal to any other NaN.
func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case math.IsNaN(a) && !math.IsNaN(b):
		return 1
	case !math.IsNaN(a) && math.IsNaN(b):
		return -1
	default:
		return 0
	}
}

// String renders v for logs and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.i != 0)
	case KindLong:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindDateTime:
		return time.UnixMicro(v.i).UTC().Format(time.RFC3339Nano)
	default:
		return "?"
	}
}

// Interface returns the payload as a plain Go value (nil for null).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.i != 0
	case KindLong:
		return v.i
	case KindDouble:
		return v.f
	case KindString:
		return v.s
	case KindDateTime:
		return time.UnixMicro(v.i).UTC()
	default:
		return nil
	}
}

// MarshalJSON encodes the payload as its natural JSON form. Datetimes are
// RFC 3339 strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindDateTime:
		return json.Marshal(time.UnixMicro(v.i).UTC().Format(time.RFC3339Nano))
	case KindDouble:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return json.Marshal(v.String())
		}
	}
	return json.Marshal(v.Interface())
}

// ValueFromJSON converts a decoded JSON value into a Value of the given
// kind. Datetimes accept RFC 3339 strings or integer microseconds.
func ValueFromJSON(kind Kind, raw any) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	switch kind {
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fmt.Errorf("expected bool, got %T", raw)
		}
		return Bool(b), nil
	case KindLong:
		if num, ok := raw.(json.Number); ok {
			if i, err := num.Int64(); err == nil {
				return Long(i), nil
			}
		}
		n, err := jsonNumber(raw)
		if err != nil {
			return Value{}, err
		}
		if n != math.Trunc(n) {
			return Value{}, fmt.Errorf("expected integer, got %v", n)
		}
		return Long(int64(n)), nil
	case KindDouble:
		n, err := jsonNumber(raw)
		if err != nil {
			return Value{}, err
		}
		return Double(n), nil
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("expected string, got %T", raw)
		}
		return String(s), nil
	case KindDateTime:
		switch t := raw.(type) {
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return Value{}, fmt.Errorf("invalid datetime %q: %w", t, err)
			}
			return DateTime(parsed), nil
		default:
			n, err := jsonNumber(raw)
			if err != nil {
				return Value{}, err
			}
			return DateTimeMicros(int64(n)), nil
		}
	default:
		return Value{}, fmt.Errorf("unsupported kind %s", kind)
	}
}

func jsonNumber(raw any) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}
