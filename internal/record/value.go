package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindFloat
	KindInt
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	default:
		return "null"
	}
}

// Value is a single field value: float, integer, string or null.
// The zero Value is null.
type Value struct {
	kind Kind
	f    float64
	i    int64
	s    string
}

func Null() Value           { return Value{} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func String(s string) Value { return Value{kind: KindString, s: s} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) IsNumeric() bool { return v.kind == KindFloat || v.kind == KindInt }

// AsFloat returns the numeric value widened to float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsInt returns the integer payload; ok is false for non-Int values.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// Str returns the string payload; ok is false for non-String values.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Equal compares two values. Numbers compare numerically within tol, so
// Int(50) equals Float(50). Values of different families never match.
func (v Value) Equal(o Value, tol float64) bool {
	switch {
	case v.IsNull() || o.IsNull():
		return v.IsNull() && o.IsNull()
	case v.IsNumeric() && o.IsNumeric():
		if v.kind == KindInt && o.kind == KindInt {
			return v.i == o.i || math.Abs(float64(v.i-o.i)) <= tol
		}
		a, _ := v.AsFloat()
		b, _ := o.AsFloat()
		if a == b {
			return true
		}
		return math.Abs(a-b) <= tol
	case v.kind == KindString && o.kind == KindString:
		return v.s == o.s
	}
	return false
}

// Any returns the value as a plain Go scalar suitable for database drivers.
func (v Value) Any() any {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return v.i
	case KindString:
		return v.s
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindString:
		return v.s
	}
	return "null"
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	case KindInt:
		return json.Marshal(v.i)
	case KindString:
		return json.Marshal(v.s)
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// FromAny converts decoded JSON, BSON or SQL scalars into a Value.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Null(), fmt.Errorf("number %q: %w", x, err)
		}
		return Float(f), nil
	case float64:
		return Float(x), nil
	case float32:
		return Float(float64(x)), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case bool:
		if x {
			return Int(1), nil
		}
		return Int(0), nil
	case string:
		return String(x), nil
	case []byte:
		return String(string(x)), nil
	case time.Time:
		return String(x.UTC().Format(time.RFC3339)), nil
	}
	return Null(), fmt.Errorf("unsupported value type %T", raw)
}

var (
	looseNumber = regexp.MustCompile(`^([+-]?(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?)\s*[A-Za-z%]*$`)
	nullWords   = map[string]bool{"": true, "-": true, "--": true, "na": true, "n/a": true, "null": true, "none": true}
)

// ParseLoose converts an upstream cell into a Value. Thousands separators and
// trailing units are dropped ("1,234.5 MW" is 1234.5); placeholders such as
// "-" or "NA" become null; anything else stays a string.
func ParseLoose(s string) Value {
	trimmed := strings.TrimSpace(s)
	if nullWords[strings.ToLower(trimmed)] {
		return Null()
	}
	compact := strings.ReplaceAll(trimmed, ",", "")
	m := looseNumber.FindStringSubmatch(compact)
	if m == nil {
		return String(trimmed)
	}
	num := m[1]
	if !strings.ContainsAny(num, ".eE") {
		if i, err := strconv.ParseInt(num, 10, 64); err == nil {
			return Int(i)
		}
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return String(trimmed)
	}
	return Float(f)
}
