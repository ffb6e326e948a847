package dbconn

import (
	"bytes"
	"cmp"
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Value is a sealed interface over the column values the harness understands.
// Only Null, Int, Float, Text, Bytes, Bool, Time and Numeric implement it.
type Value interface {
	dbValue()
}

// Null is SQL NULL.
type Null struct{}

func (Null) dbValue() {}

// Int is any integral column, widened to int64.
type Int int64

func (Int) dbValue() {}

// Float is any floating point column, widened to float64.
type Float float64

func (Float) dbValue() {}

// Text is a character column.
type Text string

func (Text) dbValue() {}

// Bytes is a binary column.
type Bytes []byte

func (Bytes) dbValue() {}

// Bool is a boolean column.
type Bool bool

func (Bool) dbValue() {}

// Time is a date, time or timestamp column.
type Time time.Time

func (Time) dbValue() {}

// Numeric is an exact decimal kept in its textual form so no precision is lost.
type Numeric string

func (Numeric) dbValue() {}

// I is shorthand for Int, handy in expected-row literals.
func I(n int64) Value { return Int(n) }

// T is shorthand for Text.
func T(s string) Value { return Text(s) }

// FromAny converts a driver-level Go value into a Value.
// Unknown types are rejected rather than stringified, except for values that
// implement driver.Valuer, which are unwrapped first.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return x, nil
	case int:
		return Int(x), nil
	case int8:
		return Int(x), nil
	case int16:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(x), nil
	case uint16:
		return Int(x), nil
	case uint32:
		return Int(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return Numeric(strconv.FormatUint(x, 10)), nil
		}
		return Int(x), nil
	case float32:
		return Float(x), nil
	case float64:
		return Float(x), nil
	case string:
		return Text(x), nil
	case []byte:
		return Bytes(bytes.Clone(x)), nil
	case bool:
		return Bool(x), nil
	case time.Time:
		return Time(x), nil
	case [16]byte:
		return Text(uuid.UUID(x).String()), nil
	case driver.Valuer:
		inner, err := x.Value()
		if err != nil {
			return nil, fmt.Errorf("unwrap %T: %w", v, err)
		}
		if s, ok := inner.(string); ok {
			// driver.Valuer numerics (pgtype.Numeric) render as strings.
			if _, isNumeric := isNumericString(s); isNumeric {
				return Numeric(s), nil
			}
		}
		return FromAny(inner)
	default:
		return nil, fmt.Errorf("unsupported column value type %T", v)
	}
}

func isNumericString(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// Native returns the plain Go representation of v, suitable for JSON encoding
// and for passing as a driver argument.
func Native(v Value) any {
	switch x := v.(type) {
	case nil, Null:
		return nil
	case Int:
		return int64(x)
	case Float:
		return float64(x)
	case Text:
		return string(x)
	case Bytes:
		return []byte(x)
	case Bool:
		return bool(x)
	case Time:
		return time.Time(x)
	case Numeric:
		return string(x)
	default:
		panic(fmt.Sprintf("dbconn: unhandled value type %T", v))
	}
}

// Format renders v for diagnostics.
func Format(v Value) string {
	switch x := v.(type) {
	case nil, Null:
		return "NULL"
	case Text:
		return strconv.Quote(string(x))
	case Bytes:
		return fmt.Sprintf("x'%x'", []byte(x))
	case Time:
		return time.Time(x).UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(Native(v))
	}
}

// rank orders value kinds for Compare. Int, Float and Numeric share a rank so
// that numbers compare by magnitude regardless of how a driver widened them.
func rank(v Value) int {
	switch v.(type) {
	case nil, Null:
		return 0
	case Bool:
		return 1
	case Int, Float, Numeric:
		return 2
	case Text:
		return 3
	case Bytes:
		return 4
	case Time:
		return 5
	default:
		return 6
	}
}

func numeric(v Value) (float64, bool) {
	switch x := v.(type) {
	case Int:
		return float64(x), true
	case Float:
		return float64(x), true
	case Numeric:
		return isNumericString(string(x))
	}
	return 0, false
}

// Compare orders two values. NULL sorts first. Mixed numeric kinds compare by
// value, so Int(1) and Numeric("1") are equal.
func Compare(a, b Value) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case nil, Null:
		return 0
	case Bool:
		y := b.(Bool)
		switch {
		case x == y:
			return 0
		case !bool(x):
			return -1
		default:
			return 1
		}
	case Int, Float, Numeric:
		if xi, ok := x.(Int); ok {
			if yi, ok := b.(Int); ok {
				return cmp.Compare(xi, yi)
			}
		}
		fa, _ := numeric(a)
		fb, _ := numeric(b)
		return cmp.Compare(fa, fb)
	case Text:
		return cmp.Compare(x, b.(Text))
	case Bytes:
		return bytes.Compare(x, b.(Bytes))
	case Time:
		return time.Time(x).Compare(time.Time(b.(Time)))
	}
	return 0
}

// Equal reports whether two values compare equal.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}
