package model

import (
	"cmp"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// ValueKind tags the dynamic type carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindNumber
	KindString
	KindTime
	KindBool
)

// Value is a typed cell in a cleaned record, dimension attribute, or measure.
// The zero Value is null.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
	Time time.Time
	Bool bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// Number returns a numeric value. NaN and infinities become null so they can
// never propagate into modeled output.
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{Kind: KindNumber, Num: f}
}

// NumberPtr returns a numeric value, or null for a nil pointer.
func NumberPtr(f *float64) Value {
	if f == nil {
		return Value{}
	}
	return Number(*f)
}

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Time returns a time value normalized to UTC.
func Time(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Float returns the numeric payload and whether v is a number.
func (v Value) Float() (float64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	return v.Num, true
}

// Ptr returns the numeric payload as a pointer, nil unless v is a number.
func (v Value) Ptr() *float64 {
	if v.Kind != KindNumber {
		return nil
	}
	f := v.Num
	return &f
}

// Text renders v canonically. Hashes and CSV cells are built from Text, so
// the rendering must stay stable across releases.
func (v Value) Text() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindString:
		return v.Str
	case KindTime:
		if v.Time.Hour() == 0 && v.Time.Minute() == 0 && v.Time.Second() == 0 && v.Time.Nanosecond() == 0 {
			return v.Time.Format("2006-01-02")
		}
		return v.Time.Format(time.RFC3339)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Any returns v as a plain Go value for JSON encoding.
func (v Value) Any() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindString:
		return v.Str
	case KindTime:
		return v.Text()
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

// Equal reports whether two values carry the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindString:
		return v.Str == o.Str
	case KindTime:
		return v.Time.Equal(o.Time)
	case KindBool:
		return v.Bool == o.Bool
	default:
		return true
	}
}

// Compare orders v against o: numbers numerically, times chronologically,
// false before true and strings lexically. Null sorts before everything.
// Values of different kinds fall back to their Text.
func (v Value) Compare(o Value) int {
	switch {
	case v.Kind == KindNull && o.Kind == KindNull:
		return 0
	case v.Kind == KindNull:
		return -1
	case o.Kind == KindNull:
		return 1
	case v.Kind != o.Kind:
		return cmp.Compare(v.Text(), o.Text())
	}
	switch v.Kind {
	case KindNumber:
		return cmp.Compare(v.Num, o.Num)
	case KindTime:
		return v.Time.Compare(o.Time)
	case KindBool:
		switch {
		case v.Bool == o.Bool:
			return 0
		case o.Bool:
			return -1
		default:
			return 1
		}
	default:
		return cmp.Compare(v.Str, o.Str)
	}
}

// MarshalJSON encodes v as its plain Go representation.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes numbers, strings, booleans, and null. Strings that
// look like dates are restored as time values.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Null()
	case float64:
		*v = Number(x)
	case bool:
		*v = Bool(x)
	case string:
		if t, err := time.Parse("2006-01-02", x); err == nil {
			*v = Time(t)
		} else if t, err := time.Parse(time.RFC3339, x); err == nil {
			*v = Time(t)
		} else {
			*v = String(x)
		}
	default:
		*v = Null()
	}
	return nil
}
