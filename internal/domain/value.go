package domain

import (
	"fmt"
	"math"
	"strconv"
)

// Value is a tagged process value. The tag is the DataType and the payload is
// kept as raw bits, so a Value never depends on host memory layout.
// The zero Value has no type and every accessor rejects it.
type Value struct {
	typ  DataType
	bits uint64
}

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value {
	if b {
		return Value{typ: DataTypeBool, bits: 1}
	}
	return Value{typ: DataTypeBool}
}

// IntValue returns a signed Value of the given type, failing if v does not fit.
func IntValue(t DataType, v int64) (Value, error) {
	if !t.IsSigned() {
		return Value{}, fmt.Errorf("%w: %s is not a signed type", ErrDataTypeMismatch, t)
	}
	bits := t.BitSize()
	if bits < 64 {
		lo, hi := -int64(1)<<(bits-1), int64(1)<<(bits-1)-1
		if v < lo || v > hi {
			return Value{}, fmt.Errorf("%w: %d overflows %s", ErrDataTypeMismatch, v, t)
		}
	}
	return Value{typ: t, bits: uint64(v)}, nil
}

// UintValue returns an unsigned Value of the given type, failing if v does not fit.
func UintValue(t DataType, v uint64) (Value, error) {
	if !t.IsUnsigned() {
		return Value{}, fmt.Errorf("%w: %s is not an unsigned type", ErrDataTypeMismatch, t)
	}
	if bits := t.BitSize(); bits < 64 && v>>bits != 0 {
		return Value{}, fmt.Errorf("%w: %d overflows %s", ErrDataTypeMismatch, v, t)
	}
	return Value{typ: t, bits: v}, nil
}

// Float32Value returns a 32-bit floating point Value.
func Float32Value(f float32) Value {
	return Value{typ: DataTypeFloat32, bits: uint64(math.Float32bits(f))}
}

// Float64Value returns a 64-bit floating point Value.
func Float64Value(f float64) Value {
	return Value{typ: DataTypeFloat64, bits: math.Float64bits(f)}
}

// RawValue builds a Value from its raw bit pattern. Bits beyond the type's
// width must be zero, except for signed types where they carry the sign.
func RawValue(t DataType, raw uint64) (Value, error) {
	if !t.Valid() {
		return Value{}, fmt.Errorf("%w: unknown type %q", ErrDataTypeMismatch, t)
	}
	return Value{typ: t, bits: raw}, nil
}

// Type returns the value's tag.
func (v Value) Type() DataType { return v.typ }

// Raw returns the payload bits.
func (v Value) Raw() uint64 { return v.bits }

// IsValid reports whether the value carries a type.
func (v Value) IsValid() bool { return v.typ.Valid() }

// Bool returns the value as a boolean. Numeric values are true when non-zero.
func (v Value) Bool() (bool, error) {
	switch {
	case v.typ == DataTypeBool, v.typ.IsSigned(), v.typ.IsUnsigned():
		return v.bits != 0, nil
	case v.typ.IsFloat():
		f, _ := v.Float64()
		return f != 0, nil
	}
	return false, fmt.Errorf("%w: invalid value", ErrDataTypeMismatch)
}

// Int64 returns the value as a signed integer.
func (v Value) Int64() (int64, error) {
	switch {
	case v.typ == DataTypeBool, v.typ.IsSigned():
		return int64(v.bits), nil
	case v.typ.IsUnsigned():
		if v.bits > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrDataTypeMismatch, v.bits)
		}
		return int64(v.bits), nil
	case v.typ.IsFloat():
		f, _ := v.Float64()
		if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("%w: %g does not fit int64", ErrDataTypeMismatch, f)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("%w: invalid value", ErrDataTypeMismatch)
}

// Uint64 returns the value as an unsigned integer.
func (v Value) Uint64() (uint64, error) {
	switch {
	case v.typ == DataTypeBool, v.typ.IsUnsigned():
		return v.bits, nil
	case v.typ.IsSigned():
		if int64(v.bits) < 0 {
			return 0, fmt.Errorf("%w: %d is negative", ErrDataTypeMismatch, int64(v.bits))
		}
		return v.bits, nil
	case v.typ.IsFloat():
		f, _ := v.Float64()
		if math.IsNaN(f) || f < 0 || f >= math.MaxUint64 {
			return 0, fmt.Errorf("%w: %g does not fit uint64", ErrDataTypeMismatch, f)
		}
		return uint64(f), nil
	}
	return 0, fmt.Errorf("%w: invalid value", ErrDataTypeMismatch)
}

// Float64 returns the value as a float64.
func (v Value) Float64() (float64, error) {
	switch {
	case v.typ == DataTypeFloat32:
		return float64(math.Float32frombits(uint32(v.bits))), nil
	case v.typ == DataTypeFloat64:
		return math.Float64frombits(v.bits), nil
	case v.typ == DataTypeBool, v.typ.IsUnsigned():
		return float64(v.bits), nil
	case v.typ.IsSigned():
		return float64(int64(v.bits)), nil
	}
	return 0, fmt.Errorf("%w: invalid value", ErrDataTypeMismatch)
}

// Convert returns the value re-tagged as t, failing when the value cannot be
// represented exactly in the target range.
func (v Value) Convert(t DataType) (Value, error) {
	if v.typ == t {
		return v, nil
	}
	switch {
	case t == DataTypeBool:
		b, err := v.Bool()
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	case t.IsSigned():
		i, err := v.Int64()
		if err != nil {
			return Value{}, err
		}
		return IntValue(t, i)
	case t.IsUnsigned():
		u, err := v.Uint64()
		if err != nil {
			return Value{}, err
		}
		return UintValue(t, u)
	case t == DataTypeFloat32:
		f, err := v.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float32Value(float32(f)), nil
	case t == DataTypeFloat64:
		f, err := v.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float64Value(f), nil
	}
	return Value{}, fmt.Errorf("%w: unknown type %q", ErrDataTypeMismatch, t)
}

// Interface returns the value as a native Go value for JSON encoding.
func (v Value) Interface() interface{} {
	switch {
	case v.typ == DataTypeBool:
		return v.bits != 0
	case v.typ.IsSigned():
		return int64(v.bits)
	case v.typ.IsUnsigned():
		return v.bits
	case v.typ.IsFloat():
		f, _ := v.Float64()
		return f
	}
	return nil
}

// String formats the value.
func (v Value) String() string {
	switch {
	case v.typ == DataTypeBool:
		return strconv.FormatBool(v.bits != 0)
	case v.typ.IsSigned():
		return strconv.FormatInt(int64(v.bits), 10)
	case v.typ.IsUnsigned():
		return strconv.FormatUint(v.bits, 10)
	case v.typ.IsFloat():
		f, _ := v.Float64()
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "<invalid>"
}

// ParseValue parses s as a value of type t.
func ParseValue(t DataType, s string) (Value, error) {
	switch {
	case t == DataTypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrDataTypeMismatch, err)
		}
		return BoolValue(b), nil
	case t.IsSigned():
		i, err := strconv.ParseInt(s, 0, t.BitSize())
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrDataTypeMismatch, err)
		}
		return IntValue(t, i)
	case t.IsUnsigned():
		u, err := strconv.ParseUint(s, 0, t.BitSize())
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrDataTypeMismatch, err)
		}
		return UintValue(t, u)
	case t.IsFloat():
		f, err := strconv.ParseFloat(s, t.BitSize())
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrDataTypeMismatch, err)
		}
		if t == DataTypeFloat32 {
			return Float32Value(float32(f)), nil
		}
		return Float64Value(f), nil
	}
	return Value{}, fmt.Errorf("%w: unknown type %q", ErrDataTypeMismatch, t)
}
