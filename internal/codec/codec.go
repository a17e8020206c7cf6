// Package codec converts type-tagged values to and from their JSON wire form.
//
// Every attribute and command field of the target data model carries a type
// tag. Primitive tags (bool, uint8..uint64, int8..int64, float, string and a
// few semantic aliases such as percent) are built in. Enumeration and bitmap
// tags resolve against label tables registered with RegisterEnum and
// RegisterBitmap. Label matching is exact and case-sensitive; a label that is
// not in the table is never coerced to a nearby value.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	ErrUnknownType  = errors.New("unknown type tag")
	ErrUnknownLabel = errors.New("label not in table")
	ErrUnknownValue = errors.New("value not in table")
	ErrTypeMismatch = errors.New("value does not match type")
	ErrOutOfRange   = errors.New("value out of range")
)

// Value is a decoded value together with its type tag.
//
// V holds bool, uint64, int64, float64 or string. Enumerations and bitmaps
// are held as uint64.
type Value struct {
	Tag string
	V   any
}

// Equal reports whether two values have the same tag and content.
func (v Value) Equal(o Value) bool {
	return v.Tag == o.Tag && v.V == o.V
}

// IsZero reports whether v was never set.
func (v Value) IsZero() bool {
	return v.Tag == "" && v.V == nil
}

// Int returns the value as a signed integer when it is integral and fits.
func (v Value) Int() (int64, bool) {
	switch n := v.V.(type) {
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// MarshalJSON encodes the value in its wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	return Encode(v)
}

func (v Value) String() string {
	b, err := Encode(v)
	if err != nil {
		return fmt.Sprintf("%s(%v)", v.Tag, v.V)
	}
	return string(b)
}

type scalarKind uint8

const (
	kindBool scalarKind = iota
	kindUnsigned
	kindSigned
	kindFloat
	kindString
)

type scalar struct {
	kind scalarKind
	min  int64
	max  uint64
}

var scalars = map[string]scalar{
	"bool":          {kind: kindBool},
	"uint8":         {kind: kindUnsigned, max: math.MaxUint8},
	"uint16":        {kind: kindUnsigned, max: math.MaxUint16},
	"uint32":        {kind: kindUnsigned, max: math.MaxUint32},
	"uint64":        {kind: kindUnsigned, max: math.MaxUint64},
	"int8":          {kind: kindSigned, min: math.MinInt8, max: math.MaxInt8},
	"int16":         {kind: kindSigned, min: math.MinInt16, max: math.MaxInt16},
	"int32":         {kind: kindSigned, min: math.MinInt32, max: math.MaxInt32},
	"int64":         {kind: kindSigned, min: math.MinInt64, max: math.MaxInt64},
	"float":         {kind: kindFloat},
	"string":        {kind: kindString},
	"percent":       {kind: kindUnsigned, max: 100},
	"percent100ths": {kind: kindUnsigned, max: 10000},
	// hundredths of a degree Celsius, floor at absolute zero
	"temperature": {kind: kindSigned, min: -27315, max: math.MaxInt16},
}

// Known reports whether tag names a primitive or a registered table.
func Known(tag string) bool {
	if _, ok := scalars[tag]; ok {
		return true
	}
	_, _, ok := lookupTable(tag)
	return ok
}

// Decode parses raw JSON as a value of the given type tag.
func Decode(tag string, raw []byte) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if s, ok := scalars[tag]; ok {
		v, err := s.decode(raw)
		if err != nil {
			return Value{}, fmt.Errorf("decode %s: %w", tag, err)
		}
		return Value{Tag: tag, V: v}, nil
	}
	enum, bitmap, ok := lookupTable(tag)
	switch {
	case !ok:
		return Value{}, fmt.Errorf("decode %s: %w", tag, ErrUnknownType)
	case enum != nil:
		var label string
		if err := json.Unmarshal(raw, &label); err != nil {
			return Value{}, fmt.Errorf("decode %s: %w", tag, ErrTypeMismatch)
		}
		n, ok := enum.Lookup(label)
		if !ok {
			return Value{}, fmt.Errorf("decode %s %q: %w", tag, label, ErrUnknownLabel)
		}
		return Value{Tag: tag, V: n}, nil
	default:
		var labels []string
		if err := json.Unmarshal(raw, &labels); err != nil {
			return Value{}, fmt.Errorf("decode %s: %w", tag, ErrTypeMismatch)
		}
		n, err := bitmap.Combine(labels)
		if err != nil {
			return Value{}, fmt.Errorf("decode %s: %w", tag, err)
		}
		return Value{Tag: tag, V: n}, nil
	}
}

// Encode renders v in its JSON wire form. Enumerations encode as their label
// and bitmaps as the list of set flag labels in table order.
func Encode(v Value) ([]byte, error) {
	if s, ok := scalars[v.Tag]; ok {
		if err := s.check(v.V); err != nil {
			return nil, fmt.Errorf("encode %s: %w", v.Tag, err)
		}
		return json.Marshal(v.V)
	}
	enum, bitmap, ok := lookupTable(v.Tag)
	if !ok {
		return nil, fmt.Errorf("encode %s: %w", v.Tag, ErrUnknownType)
	}
	n, isUint := v.V.(uint64)
	if !isUint {
		return nil, fmt.Errorf("encode %s: %w", v.Tag, ErrTypeMismatch)
	}
	if enum != nil {
		label, ok := enum.Label(n)
		if !ok {
			return nil, fmt.Errorf("encode %s %d: %w", v.Tag, n, ErrUnknownValue)
		}
		return json.Marshal(label)
	}
	labels, err := bitmap.Split(n)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", v.Tag, err)
	}
	return json.Marshal(labels)
}

// FromUint builds a value from an unsigned integer, checking the tag's range.
func FromUint(tag string, n uint64) (Value, error) {
	return fromNumber(tag, strconv.FormatUint(n, 10))
}

// FromInt builds a value from a signed integer, checking the tag's range.
func FromInt(tag string, n int64) (Value, error) {
	return fromNumber(tag, strconv.FormatInt(n, 10))
}

func fromNumber(tag, lit string) (Value, error) {
	if s, ok := scalars[tag]; ok {
		v, err := s.decode([]byte(lit))
		if err != nil {
			return Value{}, fmt.Errorf("%s: %w", tag, err)
		}
		return Value{Tag: tag, V: v}, nil
	}
	enum, bitmap, ok := lookupTable(tag)
	if !ok {
		return Value{}, fmt.Errorf("%s: %w", tag, ErrUnknownType)
	}
	n, err := strconv.ParseUint(lit, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%s: %w", tag, ErrOutOfRange)
	}
	if enum != nil {
		if _, ok := enum.Label(n); !ok {
			return Value{}, fmt.Errorf("%s %d: %w", tag, n, ErrUnknownValue)
		}
	} else if _, err := bitmap.Split(n); err != nil {
		return Value{}, fmt.Errorf("%s: %w", tag, err)
	}
	return Value{Tag: tag, V: n}, nil
}

func (s scalar) decode(raw []byte) (any, error) {
	switch s.kind {
	case kindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, ErrTypeMismatch
		}
		return b, nil
	case kindString:
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, ErrTypeMismatch
		}
		return str, nil
	}

	num, err := parseNumber(raw)
	if err != nil {
		return nil, err
	}
	switch s.kind {
	case kindUnsigned:
		n, err := strconv.ParseUint(num.String(), 10, 64)
		if err != nil {
			return nil, ErrOutOfRange
		}
		if n > s.max {
			return nil, ErrOutOfRange
		}
		return n, nil
	case kindSigned:
		n, err := strconv.ParseInt(num.String(), 10, 64)
		if err != nil {
			return nil, ErrOutOfRange
		}
		if n < s.min || (n > 0 && uint64(n) > s.max) {
			return nil, ErrOutOfRange
		}
		return n, nil
	default:
		f, err := num.Float64()
		if err != nil {
			return nil, ErrOutOfRange
		}
		return f, nil
	}
}

func (s scalar) check(v any) error {
	switch s.kind {
	case kindBool:
		if _, ok := v.(bool); !ok {
			return ErrTypeMismatch
		}
	case kindString:
		if _, ok := v.(string); !ok {
			return ErrTypeMismatch
		}
	case kindFloat:
		f, ok := v.(float64)
		if !ok {
			return ErrTypeMismatch
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrOutOfRange
		}
	case kindUnsigned:
		n, ok := v.(uint64)
		if !ok {
			return ErrTypeMismatch
		}
		if n > s.max {
			return ErrOutOfRange
		}
	case kindSigned:
		n, ok := v.(int64)
		if !ok {
			return ErrTypeMismatch
		}
		if n < s.min || (n > 0 && uint64(n) > s.max) {
			return ErrOutOfRange
		}
	}
	return nil
}

func parseNumber(raw []byte) (json.Number, error) {
	if len(raw) == 0 || raw[0] == '"' {
		return "", ErrTypeMismatch
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var num json.Number
	if err := dec.Decode(&num); err != nil {
		return "", ErrTypeMismatch
	}
	if num == "" || dec.More() {
		return "", ErrTypeMismatch
	}
	return num, nil
}
