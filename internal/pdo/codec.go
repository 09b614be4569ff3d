package pdo

import (
	"fmt"
	"math"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// ParseRawData decodes a value of type typ that occupies bitLen bits of buf
// starting at bit bitPos. Bits are numbered LSB first and multi-byte values
// are little endian, as on the wire.
func ParseRawData(buf []byte, bitPos uint32, bitLen uint8, typ domain.DataType) (domain.Value, error) {
	if err := checkField(buf, bitPos, bitLen, typ); err != nil {
		return domain.Value{}, err
	}
	raw := getBits(buf, bitPos, bitLen)

	switch {
	case typ == domain.DataTypeBool:
		return domain.BoolValue(raw != 0), nil
	case typ.IsSigned():
		return domain.IntValue(typ, signExtend(raw, bitLen))
	case typ.IsUnsigned():
		return domain.UintValue(typ, raw)
	case typ == domain.DataTypeFloat32:
		return domain.Float32Value(math.Float32frombits(uint32(raw))), nil
	case typ == domain.DataTypeFloat64:
		return domain.Float64Value(math.Float64frombits(raw)), nil
	}
	return domain.Value{}, fmt.Errorf("%w: unsupported type %q", domain.ErrDataTypeMismatch, typ)
}

// PackRawData encodes v as type typ into bitLen bits of buf starting at bit
// bitPos. Surrounding bits are preserved. Values that do not fit the field
// are rejected rather than truncated.
func PackRawData(buf []byte, bitPos uint32, bitLen uint8, typ domain.DataType, v domain.Value) error {
	if err := checkField(buf, bitPos, bitLen, typ); err != nil {
		return err
	}
	cv, err := v.Convert(typ)
	if err != nil {
		return err
	}

	raw := cv.Raw()
	switch {
	case typ.IsSigned() && bitLen < 64:
		i := int64(raw)
		lo, hi := -int64(1)<<(bitLen-1), int64(1)<<(bitLen-1)-1
		if i < lo || i > hi {
			return fmt.Errorf("%w: %d does not fit %d bits", domain.ErrDataTypeMismatch, i, bitLen)
		}
		raw &= uint64(1)<<bitLen - 1
	case typ.IsUnsigned() && bitLen < 64:
		if raw>>bitLen != 0 {
			return fmt.Errorf("%w: %d does not fit %d bits", domain.ErrDataTypeMismatch, raw, bitLen)
		}
	}

	setBits(buf, bitPos, bitLen, raw)
	return nil
}

func checkField(buf []byte, bitPos uint32, bitLen uint8, typ domain.DataType) error {
	if bitLen == 0 || bitLen > 64 {
		return fmt.Errorf("%w: %d bits", domain.ErrInvalidBitLength, bitLen)
	}
	if !typ.AcceptsBitLength(int(bitLen)) {
		return fmt.Errorf("%w: %s cannot be carried in %d bits", domain.ErrInvalidBitLength, typ, bitLen)
	}
	if end := (uint64(bitPos) + uint64(bitLen) + 7) / 8; end > uint64(len(buf)) {
		return fmt.Errorf("%w: field ends at byte %d of a %d byte buffer", domain.ErrInvalidIOMap, end, len(buf))
	}
	return nil
}

func getBits(buf []byte, bitPos uint32, n uint8) uint64 {
	var v uint64
	for i := uint8(0); i < n; {
		pos := bitPos + uint32(i)
		shift := uint8(pos % 8)
		take := 8 - shift
		if take > n-i {
			take = n - i
		}
		chunk := uint64(buf[pos/8]>>shift) & (uint64(1)<<take - 1)
		v |= chunk << i
		i += take
	}
	return v
}

func setBits(buf []byte, bitPos uint32, n uint8, v uint64) {
	for i := uint8(0); i < n; {
		pos := bitPos + uint32(i)
		shift := uint8(pos % 8)
		take := 8 - shift
		if take > n-i {
			take = n - i
		}
		mask := byte((uint64(1)<<take - 1) << shift)
		buf[pos/8] = buf[pos/8]&^mask | byte((v>>i)<<shift)&mask
		i += take
	}
}

func signExtend(raw uint64, bits uint8) int64 {
	if bits >= 64 {
		return int64(raw)
	}
	shift := 64 - bits
	return int64(raw<<shift) >> shift
}
