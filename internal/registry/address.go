// Package registry is the typed register store the master produces inputs
// into and consumes outputs from. Registers are addressed in IEC notation
// (%IW10, %QX0.3) and packed into a 64-bit Address.
package registry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// Category is the register area.
type Category uint8

const (
	CategoryInput  Category = 0 // I
	CategoryOutput Category = 1 // Q
	CategoryMemory Category = 2 // M
	CategorySystem Category = 3 // S
	numCategories           = 4
)

var categoryLetters = [numCategories]byte{'I', 'Q', 'M', 'S'}

func (c Category) String() string {
	if c < numCategories {
		return string(categoryLetters[c])
	}
	return "?"
}

// Type is the register width.
type Type uint8

const (
	TypeBit   Type = 0 // X
	TypeByte  Type = 1 // B
	TypeWord  Type = 2 // W
	TypeDWord Type = 3 // D
	TypeLWord Type = 4 // L
	TypeReal  Type = 5 // F
	TypeLReal Type = 6 // E
	numTypes       = 7
)

var typeLetters = [numTypes]byte{'X', 'B', 'W', 'D', 'L', 'F', 'E'}

func (t Type) String() string {
	if t < numTypes {
		return string(typeLetters[t])
	}
	return "?"
}

// Size returns the register width in bytes. A bit occupies its byte.
func (t Type) Size() int {
	switch t {
	case TypeWord:
		return 2
	case TypeDWord, TypeReal:
		return 4
	case TypeLWord, TypeLReal:
		return 8
	}
	return 1
}

// DataType returns the value type stored in registers of this width.
func (t Type) DataType() domain.DataType {
	switch t {
	case TypeBit:
		return domain.DataTypeBool
	case TypeByte:
		return domain.DataTypeUInt8
	case TypeWord:
		return domain.DataTypeUInt16
	case TypeDWord:
		return domain.DataTypeUInt32
	case TypeLWord:
		return domain.DataTypeUInt64
	case TypeReal:
		return domain.DataTypeFloat32
	case TypeLReal:
		return domain.DataTypeFloat64
	}
	return ""
}

const (
	categoryShift = 60
	typeShift     = 56
	bitShift      = 48

	categoryMask = 0xF000000000000000
	typeMask     = 0x0F00000000000000
	bitMask      = 0x00FF000000000000
	indexMask    = 0x0000FFFFFFFFFFFF

	noBit = 0xFF
)

// Address is a packed register address:
// category (4 bits) | type (4 bits) | bit position (8 bits) | index (48 bits).
// The bit position is 0xFF for everything but bit registers.
type Address uint64

// NewAddress packs an address. bit is ignored unless typ is TypeBit.
func NewAddress(cat Category, typ Type, index uint64, bit uint8) (Address, error) {
	if cat >= numCategories {
		return 0, fmt.Errorf("%w: unknown category %d", domain.ErrInvalidAddress, cat)
	}
	if typ >= numTypes {
		return 0, fmt.Errorf("%w: unknown type %d", domain.ErrInvalidAddress, typ)
	}
	if index > indexMask {
		return 0, fmt.Errorf("%w: index %d out of range", domain.ErrInvalidAddress, index)
	}
	if typ == TypeBit {
		if bit > 7 {
			return 0, fmt.Errorf("%w: bit position %d must be 0-7", domain.ErrInvalidAddress, bit)
		}
	} else {
		bit = noBit
	}
	return Address(uint64(cat)<<categoryShift | uint64(typ)<<typeShift | uint64(bit)<<bitShift | index), nil
}

// MustAddress is NewAddress for constant addresses; it panics on error.
func MustAddress(cat Category, typ Type, index uint64, bit uint8) Address {
	a, err := NewAddress(cat, typ, index, bit)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAddress parses IEC notation: an optional '%', the category letter,
// an optional type letter (X when omitted) and the index; bit registers
// carry the bit position after a dot, as in %IX0.3 or %Q1.7.
func ParseAddress(s string) (Address, error) {
	orig := s
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "%")
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, orig)
	}

	ci := strings.IndexByte(string(categoryLetters[:]), s[0])
	if ci < 0 {
		return 0, fmt.Errorf("%w: %q has unknown category", domain.ErrInvalidAddress, orig)
	}
	cat := Category(ci)
	s = s[1:]

	typ := TypeBit
	if i := strings.IndexByte(string(typeLetters[:]), s[0]); i >= 0 {
		typ = Type(i)
		s = s[1:]
	}

	var bit uint64
	if typ == TypeBit {
		idx, pos, ok := strings.Cut(s, ".")
		if !ok {
			return 0, fmt.Errorf("%w: %q needs a bit position", domain.ErrInvalidAddress, orig)
		}
		var err error
		if bit, err = strconv.ParseUint(pos, 10, 8); err != nil {
			return 0, fmt.Errorf("%w: %q: %v", domain.ErrInvalidAddress, orig, err)
		}
		s = idx
	} else if strings.Contains(s, ".") {
		return 0, fmt.Errorf("%w: %q: only bit registers take a bit position", domain.ErrInvalidAddress, orig)
	}

	index, err := strconv.ParseUint(s, 10, 48)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", domain.ErrInvalidAddress, orig, err)
	}
	if bit > 7 {
		return 0, fmt.Errorf("%w: %q: bit position must be 0-7", domain.ErrInvalidAddress, orig)
	}
	return NewAddress(cat, typ, index, uint8(bit))
}

// Category returns the register area.
func (a Address) Category() Category { return Category((a & categoryMask) >> categoryShift) }

// Type returns the register width.
func (a Address) Type() Type { return Type((a & typeMask) >> typeShift) }

// Index returns the register index within its width.
func (a Address) Index() uint64 { return uint64(a & indexMask) }

// Bit returns the bit position, or 0xFF for non-bit registers.
func (a Address) Bit() uint8 {
	if a.Type() != TypeBit {
		return noBit
	}
	return uint8((a & bitMask) >> bitShift)
}

// IsBit reports whether the address names a single bit.
func (a Address) IsBit() bool { return a.Type() == TypeBit && a.Bit() != noBit }

// Writable reports whether external clients may set the register. Only
// outputs and markers are writable; inputs and system registers belong to
// the master.
func (a Address) Writable() bool {
	c := a.Category()
	return c == CategoryOutput || c == CategoryMemory
}

// Size returns the width in bytes.
func (a Address) Size() int { return a.Type().Size() }

// Offset returns the byte offset of the register in its area.
func (a Address) Offset() uint64 { return a.Index() * uint64(a.Size()) }

// DataType returns the value type the register holds.
func (a Address) DataType() domain.DataType { return a.Type().DataType() }

// String formats the address in IEC notation.
func (a Address) String() string {
	if a.Type() == TypeBit {
		return fmt.Sprintf("%%%sX%d.%d", a.Category(), a.Index(), a.Bit())
	}
	return fmt.Sprintf("%%%s%s%d", a.Category(), a.Type(), a.Index())
}
