package ecat

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

const (
	// FrameHeaderLen is the size of the EtherCAT frame header.
	FrameHeaderLen = 2
	// MaxFrameLen is the largest EtherCAT payload in one Ethernet frame.
	MaxFrameLen = 1498

	frameTypeCommands = 0x1
	frameLengthMask   = 0x07FF
)

// Frame is an ordered list of datagrams sent as one unit.
type Frame struct {
	Datagrams []*Datagram
}

// Len returns the encoded length of the frame without the header.
func (f *Frame) Len() int {
	n := 0
	for _, d := range f.Datagrams {
		n += d.EncodedLen()
	}
	return n
}

// Fits reports whether d can be appended without exceeding MaxFrameLen.
func (f *Frame) Fits(d *Datagram) bool {
	return FrameHeaderLen+f.Len()+d.EncodedLen() <= MaxFrameLen
}

// Encode serializes the frame into b (reused when large enough).
func (f *Frame) Encode(b []byte) ([]byte, error) {
	if len(f.Datagrams) == 0 {
		return nil, fmt.Errorf("%w: empty frame", domain.ErrFrameMalformed)
	}
	n := f.Len()
	if FrameHeaderLen+n > MaxFrameLen {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", domain.ErrFrameMalformed, n, MaxFrameLen)
	}
	b = b[:0]
	b = binary.LittleEndian.AppendUint16(b, uint16(n)&frameLengthMask|frameTypeCommands<<12)
	var err error
	for i, d := range f.Datagrams {
		if b, err = d.Encode(b, i < len(f.Datagrams)-1); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// DecodeFrame parses a frame. Datagram payloads alias b.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < FrameHeaderLen {
		return nil, fmt.Errorf("%w: short frame header", domain.ErrFrameMalformed)
	}
	hdr := binary.LittleEndian.Uint16(b)
	if typ := hdr >> 12; typ != frameTypeCommands {
		return nil, fmt.Errorf("%w: unsupported frame type %d", domain.ErrFrameMalformed, typ)
	}
	n := int(hdr & frameLengthMask)
	b = b[FrameHeaderLen:]
	if len(b) < n {
		return nil, fmt.Errorf("%w: frame declares %d bytes, have %d", domain.ErrFrameMalformed, n, len(b))
	}
	b = b[:n]

	f := &Frame{}
	for {
		d, rest, more, err := DecodeDatagram(b)
		if err != nil {
			return nil, err
		}
		f.Datagrams = append(f.Datagrams, d)
		if !more {
			return f, nil
		}
		b = rest
	}
}
