// Package index implements ordered secondary indexes: an
// order-preserving byte encoding for typed field values, and a tree of
// composite entries mapping encoded keys to document ids.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind identifies a field value type. The numeric order of the type
// tags is the cross-type sort order, with null below every real value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindTime
	KindString
)

// ErrBadEncoding indicates bytes that do not decode as a value sequence.
var ErrBadEncoding = errors.New("index: bad key encoding")

// Value is a typed field value extracted from a document for indexing.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Time  time.Time
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps an int64.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue wraps a float64.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// TimeValue wraps a timestamp.
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Compare orders two values: null first, then by type tag, then by
// domain value within a type.
func Compare(a, b Value) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindNull:
		return 0
	case KindBool:
		switch {
		case a.Bool == b.Bool:
			return 0
		case !a.Bool:
			return -1
		default:
			return 1
		}
	case KindInt:
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		default:
			return 0
		}
	case KindFloat:
		switch {
		case a.Float < b.Float:
			return -1
		case a.Float > b.Float:
			return 1
		default:
			return 0
		}
	case KindTime:
		switch {
		case a.Time.Before(b.Time):
			return -1
		case a.Time.After(b.Time):
			return 1
		default:
			return 0
		}
	case KindString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		default:
			return 0
		}
	}
	return 0
}

// Coerce converts a decoded codec value to the declared field type of an
// index. Nulls pass through; ints and floats interconvert; strings parse
// to timestamps for datetime fields.
func Coerce(v Value, want Kind) (Value, error) {
	if v.Kind == want || v.Kind == KindNull {
		return v, nil
	}
	switch {
	case v.Kind == KindFloat && want == KindInt:
		return IntValue(int64(v.Float)), nil
	case v.Kind == KindInt && want == KindFloat:
		return FloatValue(float64(v.Int)), nil
	case v.Kind == KindString && want == KindTime:
		t, err := time.Parse(time.RFC3339Nano, v.Str)
		if err != nil {
			return Value{}, fmt.Errorf("index: %q is not a timestamp: %w", v.Str, err)
		}
		return TimeValue(t), nil
	case v.Kind == KindInt && want == KindTime:
		return TimeValue(time.Unix(0, v.Int)), nil
	}
	return Value{}, fmt.Errorf("index: cannot index %v as %v", v.Kind, want)
}

// AppendValue appends the order-preserving encoding of v: a type tag
// followed by a payload whose lexicographic byte order equals domain
// order.
func AppendValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Kind))
	switch v.Kind {
	case KindNull:
		// Tag only; sorts before every tagged real value.
	case KindBool:
		if v.Bool {
			dst = append(dst, 0x01)
		} else {
			dst = append(dst, 0x00)
		}
	case KindInt:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.Int)^(1<<63))
		dst = append(dst, buf[:]...)
	case KindFloat:
		bits := math.Float64bits(v.Float)
		if bits>>63 == 1 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], bits)
		dst = append(dst, buf[:]...)
	case KindTime:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.Time.UnixNano())^(1<<63))
		dst = append(dst, buf[:]...)
	case KindString:
		for i := 0; i < len(v.Str); i++ {
			b := v.Str[i]
			if b == 0x00 {
				dst = append(dst, 0x00, 0xFF)
			} else {
				dst = append(dst, b)
			}
		}
		dst = append(dst, 0x00)
	}
	return dst
}

// EncodeValues concatenates per-field encodings in declared order.
func EncodeValues(vals []Value) []byte {
	out := make([]byte, 0, 16*len(vals))
	for _, v := range vals {
		out = AppendValue(out, v)
	}
	return out
}

// DecodeValue decodes one value from data, returning it and the number
// of bytes consumed.
func DecodeValue(data []byte) (Value, int, error) {
	if len(data) == 0 {
		return Value{}, 0, ErrBadEncoding
	}
	kind := Kind(data[0])
	rest := data[1:]
	switch kind {
	case KindNull:
		return Null(), 1, nil
	case KindBool:
		if len(rest) < 1 {
			return Value{}, 0, ErrBadEncoding
		}
		return BoolValue(rest[0] == 0x01), 2, nil
	case KindInt:
		if len(rest) < 8 {
			return Value{}, 0, ErrBadEncoding
		}
		u := binary.BigEndian.Uint64(rest[:8])
		return IntValue(int64(u ^ (1 << 63))), 9, nil
	case KindFloat:
		if len(rest) < 8 {
			return Value{}, 0, ErrBadEncoding
		}
		bits := binary.BigEndian.Uint64(rest[:8])
		if bits>>63 == 1 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return FloatValue(math.Float64frombits(bits)), 9, nil
	case KindTime:
		if len(rest) < 8 {
			return Value{}, 0, ErrBadEncoding
		}
		u := binary.BigEndian.Uint64(rest[:8])
		return TimeValue(time.Unix(0, int64(u^(1<<63))).UTC()), 9, nil
	case KindString:
		var out []byte
		i := 0
		for {
			if i >= len(rest) {
				return Value{}, 0, ErrBadEncoding
			}
			if rest[i] == 0x00 {
				if i+1 < len(rest) && rest[i+1] == 0xFF {
					out = append(out, 0x00)
					i += 2
					continue
				}
				return StringValue(string(out)), 1 + i + 1, nil
			}
			out = append(out, rest[i])
			i++
		}
	}
	return Value{}, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrBadEncoding, data[0])
}

// DecodeValues decodes a concatenated value sequence.
func DecodeValues(data []byte) ([]Value, error) {
	var vals []Value
	for len(data) > 0 {
		v, n, err := DecodeValue(data)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		data = data[n:]
	}
	return vals, nil
}

// EncodeDocID appends the 4-byte order-preserving encoding of a doc id.
func EncodeDocID(dst []byte, id int32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(id)^(1<<31))
	return append(dst, buf[:]...)
}

// DecodeDocID reads a doc id encoded by EncodeDocID.
func DecodeDocID(data []byte) (int32, error) {
	if len(data) < 4 {
		return 0, ErrBadEncoding
	}
	return int32(binary.BigEndian.Uint32(data) ^ (1 << 31)), nil
}
