// Package ecat implements the EtherCAT frame layer: datagram and frame
// encoding, the device register map and a Bus that executes datagrams over a
// Link with working counter checks and frame-loss retry.
package ecat

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// Command is the datagram command type.
type Command uint8

const (
	NOP  Command = 0
	APRD Command = 1
	APWR Command = 2
	APRW Command = 3
	FPRD Command = 4
	FPWR Command = 5
	FPRW Command = 6
	BRD  Command = 7
	BWR  Command = 8
	BRW  Command = 9
	LRD  Command = 10
	LWR  Command = 11
	LRW  Command = 12
	ARMW Command = 13
	FRMW Command = 14
)

var commandNames = map[Command]string{
	NOP: "NOP", APRD: "APRD", APWR: "APWR", APRW: "APRW",
	FPRD: "FPRD", FPWR: "FPWR", FPRW: "FPRW",
	BRD: "BRD", BWR: "BWR", BRW: "BRW",
	LRD: "LRD", LWR: "LWR", LRW: "LRW",
	ARMW: "ARMW", FRMW: "FRMW",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// IsLogical reports whether the command addresses the logical image.
func (c Command) IsLogical() bool {
	return c == LRD || c == LWR || c == LRW
}

const (
	// DatagramHeaderLen is the size of the fixed datagram header.
	DatagramHeaderLen = 10
	// WKCLen is the size of the trailing working counter.
	WKCLen = 2
	// MaxDatagramData is the largest payload a single datagram can carry.
	MaxDatagramData = 1484

	lengthMask   = 0x07FF
	roundtripBit = 1 << 14
	moreBit      = 1 << 15
)

// Datagram is one command with its payload and the working counter the ring
// returned for it.
type Datagram struct {
	Command        Command
	Index          uint8
	Addr           uint32
	Interrupt      uint16
	Data           []byte
	WorkingCounter uint16
	Roundtrip      bool
}

// NewDatagram builds a device-addressed datagram. For position and station
// addressing the low word is the device and the high word the register.
func NewDatagram(cmd Command, adp, ado uint16, data []byte) *Datagram {
	return &Datagram{Command: cmd, Addr: uint32(adp) | uint32(ado)<<16, Data: data}
}

// NewLogicalDatagram builds a logical-image datagram.
func NewLogicalDatagram(cmd Command, logical uint32, data []byte) *Datagram {
	return &Datagram{Command: cmd, Addr: logical, Data: data}
}

// SlaveAddr returns the device part of a physical address.
func (d *Datagram) SlaveAddr() uint16 { return uint16(d.Addr) }

// OffsetAddr returns the register part of a physical address.
func (d *Datagram) OffsetAddr() uint16 { return uint16(d.Addr >> 16) }

// EncodedLen returns the number of bytes the datagram occupies on the wire.
func (d *Datagram) EncodedLen() int {
	return DatagramHeaderLen + len(d.Data) + WKCLen
}

// Encode appends the datagram to b. more marks that another datagram follows.
func (d *Datagram) Encode(b []byte, more bool) ([]byte, error) {
	if len(d.Data) > MaxDatagramData {
		return b, fmt.Errorf("%w: datagram payload %d exceeds %d", domain.ErrFrameMalformed, len(d.Data), MaxDatagramData)
	}
	lenWord := uint16(len(d.Data)) & lengthMask
	if d.Roundtrip {
		lenWord |= roundtripBit
	}
	if more {
		lenWord |= moreBit
	}
	b = append(b, byte(d.Command), d.Index)
	b = binary.LittleEndian.AppendUint32(b, d.Addr)
	b = binary.LittleEndian.AppendUint16(b, lenWord)
	b = binary.LittleEndian.AppendUint16(b, d.Interrupt)
	b = append(b, d.Data...)
	b = binary.LittleEndian.AppendUint16(b, d.WorkingCounter)
	return b, nil
}

// DecodeDatagram parses one datagram from b. The returned datagram's Data
// aliases b. more reports whether another datagram follows.
func DecodeDatagram(b []byte) (d *Datagram, rest []byte, more bool, err error) {
	if len(b) < DatagramHeaderLen {
		return nil, nil, false, fmt.Errorf("%w: need %d bytes for datagram header, have %d", domain.ErrFrameMalformed, DatagramHeaderLen, len(b))
	}
	d = &Datagram{
		Command:   Command(b[0]),
		Index:     b[1],
		Addr:      binary.LittleEndian.Uint32(b[2:6]),
		Interrupt: binary.LittleEndian.Uint16(b[8:10]),
	}
	lenWord := binary.LittleEndian.Uint16(b[6:8])
	n := int(lenWord & lengthMask)
	d.Roundtrip = lenWord&roundtripBit != 0
	more = lenWord&moreBit != 0

	b = b[DatagramHeaderLen:]
	if len(b) < n+WKCLen {
		return nil, nil, false, fmt.Errorf("%w: need %d bytes of data and working counter, have %d", domain.ErrFrameMalformed, n+WKCLen, len(b))
	}
	d.Data = b[:n]
	d.WorkingCounter = binary.LittleEndian.Uint16(b[n : n+WKCLen])
	return d, b[n+WKCLen:], more, nil
}

// WorkingCounterError reports a datagram whose working counter did not match.
type WorkingCounterError struct {
	Command Command
	Addr    uint32
	Want    uint16
	Have    uint16
}

func (e *WorkingCounterError) Error() string {
	return fmt.Sprintf("working counter error, want %d, have %d on %v %#08x", e.Want, e.Have, e.Command, e.Addr)
}

// Unwrap lets errors.Is match domain.ErrWorkingCounter.
func (e *WorkingCounterError) Unwrap() error { return domain.ErrWorkingCounter }

// CheckWKC returns a *WorkingCounterError when the datagram's counter differs
// from want.
func CheckWKC(d *Datagram, want uint16) error {
	if d.WorkingCounter != want {
		return &WorkingCounterError{Command: d.Command, Addr: d.Addr, Want: want, Have: d.WorkingCounter}
	}
	return nil
}
