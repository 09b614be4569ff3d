package domain

import "fmt"

// DataType is the semantic type of a process value.
type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt8    DataType = "int8"
	DataTypeInt16   DataType = "int16"
	DataTypeInt32   DataType = "int32"
	DataTypeInt64   DataType = "int64"
	DataTypeUInt8   DataType = "uint8"
	DataTypeUInt16  DataType = "uint16"
	DataTypeUInt32  DataType = "uint32"
	DataTypeUInt64  DataType = "uint64"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
)

// BitSize returns the natural width of the type in bits, or 0 for an unknown type.
func (d DataType) BitSize() int {
	switch d {
	case DataTypeBool:
		return 1
	case DataTypeInt8, DataTypeUInt8:
		return 8
	case DataTypeInt16, DataTypeUInt16:
		return 16
	case DataTypeInt32, DataTypeUInt32, DataTypeFloat32:
		return 32
	case DataTypeInt64, DataTypeUInt64, DataTypeFloat64:
		return 64
	default:
		return 0
	}
}

// IsSigned reports whether the type is a signed integer.
func (d DataType) IsSigned() bool {
	switch d {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64:
		return true
	}
	return false
}

// IsUnsigned reports whether the type is an unsigned integer.
func (d DataType) IsUnsigned() bool {
	switch d {
	case DataTypeUInt8, DataTypeUInt16, DataTypeUInt32, DataTypeUInt64:
		return true
	}
	return false
}

// IsFloat reports whether the type is a floating point type.
func (d DataType) IsFloat() bool {
	return d == DataTypeFloat32 || d == DataTypeFloat64
}

// Valid reports whether d is one of the supported types.
func (d DataType) Valid() bool {
	return d.BitSize() > 0
}

// AcceptsBitLength reports whether a PDO entry of the given width can carry
// values of this type. Integers may be narrower than their natural width
// (bit-packed fields); floats and booleans must match exactly.
func (d DataType) AcceptsBitLength(bits int) bool {
	switch {
	case d == DataTypeBool:
		return bits == 1 || bits == 8
	case d.IsFloat():
		return bits == d.BitSize()
	case d.IsSigned(), d.IsUnsigned():
		return bits >= 1 && bits <= d.BitSize()
	}
	return false
}

// AccessMode defines read/write access for a PDO entry.
type AccessMode string

const (
	AccessModeReadOnly  AccessMode = "ro"
	AccessModeWriteOnly AccessMode = "wo"
	AccessModeReadWrite AccessMode = "rw"
)

// PDOEntry is one typed sub-value of a PDO.
type PDOEntry struct {
	Index       uint16     `json:"index" yaml:"index"`
	SubIndex    uint8      `json:"subindex" yaml:"subindex"`
	BitLength   uint8      `json:"bit_length" yaml:"bit_length"`
	Name        string     `json:"name" yaml:"name"`
	DataType    DataType   `json:"data_type" yaml:"data_type"`
	Access      AccessMode `json:"access,omitempty" yaml:"access,omitempty"`
	Unit        string     `json:"unit,omitempty" yaml:"unit,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`

	// Link is the register address the entry is bound to, if any.
	Link string `json:"link,omitempty" yaml:"link,omitempty"`

	// ByteOffset and BitOffset locate the entry relative to the start of its
	// PDO. They are assigned by the layout pass.
	ByteOffset uint32 `json:"byte_offset" yaml:"-"`
	BitOffset  uint8  `json:"bit_offset" yaml:"-"`
}

// IsPadding reports whether the entry is a gap filler (index 0).
func (e *PDOEntry) IsPadding() bool {
	return e.Index == 0
}

// AbsoluteBit returns the entry's bit position relative to its PDO start.
func (e *PDOEntry) AbsoluteBit() uint32 {
	return e.ByteOffset*8 + uint32(e.BitOffset)
}

// PDO is an ordered group of entries mapped into the logical image.
type PDO struct {
	Index     uint16     `json:"index" yaml:"index"`
	Name      string     `json:"name" yaml:"name"`
	SMIndex   uint8      `json:"sm_index" yaml:"sm_index"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	Mandatory bool       `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
	Fixed     bool       `json:"fixed,omitempty" yaml:"fixed,omitempty"`
	Entries   []PDOEntry `json:"entries" yaml:"entries"`

	// Offset is the byte offset of the PDO in the logical image, assigned by
	// the layout pass.
	Offset uint32 `json:"offset" yaml:"-"`
}

// BitLength returns the total width of all entries.
func (p *PDO) BitLength() uint32 {
	var bits uint32
	for i := range p.Entries {
		bits += uint32(p.Entries[i].BitLength)
	}
	return bits
}

// ByteLength returns the number of image bytes the PDO occupies.
func (p *PDO) ByteLength() uint32 {
	return (p.BitLength() + 7) / 8
}

// Pack assigns monotonically increasing offsets to the entries.
func (p *PDO) Pack() {
	var bit uint32
	for i := range p.Entries {
		p.Entries[i].ByteOffset = bit / 8
		p.Entries[i].BitOffset = uint8(bit % 8)
		bit += uint32(p.Entries[i].BitLength)
	}
}

// Entry returns the entry with the given index and subindex.
func (p *PDO) Entry(index uint16, subIndex uint8) (*PDOEntry, error) {
	for i := range p.Entries {
		if p.Entries[i].Index == index && p.Entries[i].SubIndex == subIndex {
			return &p.Entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%04X:%02X in pdo 0x%04X", ErrPDOEntryNotFound, index, subIndex, p.Index)
}

// Validate checks that every entry has a usable type and width.
func (p *PDO) Validate() error {
	for i := range p.Entries {
		e := &p.Entries[i]
		if e.BitLength == 0 || e.BitLength > 64 {
			return fmt.Errorf("%w: entry %q has %d bits", ErrInvalidBitLength, e.Name, e.BitLength)
		}
		if e.IsPadding() {
			continue
		}
		if !e.DataType.Valid() {
			return fmt.Errorf("%w: entry %q has type %q", ErrDataTypeMismatch, e.Name, e.DataType)
		}
		if !e.DataType.AcceptsBitLength(int(e.BitLength)) {
			return fmt.Errorf("%w: entry %q cannot carry %s in %d bits", ErrInvalidBitLength, e.Name, e.DataType, e.BitLength)
		}
	}
	return nil
}
