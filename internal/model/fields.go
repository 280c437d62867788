package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MarshalFields encodes f as a JSON object. Floating-point values always
// carry a fraction or an exponent, so 4.0 is written as "4.0" and reads back
// as a double rather than an integer.
func MarshalFields(f Fields) ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(tagDoubles(map[string]any(f)))
}

// UnmarshalFields decodes a JSON object written by [MarshalFields] or typed
// by hand. Number literals with a fraction or exponent become float64, all
// others int64. Integers too large for int64 fall back to float64.
func UnmarshalFields(b []byte) (Fields, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		m[k] = untagNumbers(v)
	}
	return Fields(m), nil
}

// NumberValue converts a decoded JSON number literal to int64 or float64.
func NumberValue(n json.Number) (any, error) {
	s := n.String()
	if !IsDoubleLiteral(s) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad number %q", ErrInvalid, s)
	}
	return f, nil
}

// IsDoubleLiteral reports whether a JSON number literal is written as a
// floating-point value.
func IsDoubleLiteral(s string) bool {
	return bytes.ContainsAny([]byte(s), ".eE")
}

// double marshals like float64 but never as a bare integer.
type double float64

func (d double) MarshalJSON() ([]byte, error) {
	f := float64(d)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: unsupported number %v", ErrInvalid, f)
	}
	b := strconv.AppendFloat(nil, f, 'g', -1, 64)
	if !bytes.ContainsAny(b, ".eE") {
		b = append(b, ".0"...)
	}
	return b, nil
}

func tagDoubles(v any) any {
	switch x := v.(type) {
	case float64:
		return double(x)
	case float32:
		return double(x)
	case Fields:
		return tagDoubles(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = tagDoubles(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = tagDoubles(e)
		}
		return out
	default:
		return v
	}
}

func untagNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		n, err := NumberValue(x)
		if err != nil {
			return x
		}
		return n
	case map[string]any:
		for k, e := range x {
			x[k] = untagNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = untagNumbers(e)
		}
		return x
	default:
		return v
	}
}
