package ecat

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// MailboxType is the protocol carried in a mailbox message.
type MailboxType uint8

const (
	MailboxErr MailboxType = 0x00
	MailboxEoE MailboxType = 0x02
	MailboxCoE MailboxType = 0x03
	MailboxFoE MailboxType = 0x04
	MailboxSoE MailboxType = 0x05
	MailboxVoE MailboxType = 0x0F
)

func (t MailboxType) String() string {
	switch t {
	case MailboxErr:
		return "ERR"
	case MailboxEoE:
		return "EoE"
	case MailboxCoE:
		return "CoE"
	case MailboxFoE:
		return "FoE"
	case MailboxSoE:
		return "SoE"
	case MailboxVoE:
		return "VoE"
	}
	return fmt.Sprintf("MailboxType(%d)", uint8(t))
}

// MailboxHeaderLen is the size of the mailbox header.
const MailboxHeaderLen = 6

// MailboxHeader precedes every mailbox message.
type MailboxHeader struct {
	Length   uint16
	Address  uint16
	Priority uint8
	Type     MailboxType
	Counter  uint8
}

// EncodeMailbox writes header and payload into a buffer of size bytes. The
// remainder of the buffer is zero.
func EncodeMailbox(h MailboxHeader, payload []byte, size int) ([]byte, error) {
	if MailboxHeaderLen+len(payload) > size {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds mailbox of %d", domain.ErrMailbox, len(payload), size-MailboxHeaderLen)
	}
	b := make([]byte, size)
	binary.LittleEndian.PutUint16(b[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(b[2:4], h.Address)
	b[4] = h.Priority & 0x03
	b[5] = uint8(h.Type)&0x0F | (h.Counter&0x07)<<4
	copy(b[MailboxHeaderLen:], payload)
	return b, nil
}

// DecodeMailbox parses a mailbox buffer and returns the header and the
// payload it declares.
func DecodeMailbox(b []byte) (MailboxHeader, []byte, error) {
	if len(b) < MailboxHeaderLen {
		return MailboxHeader{}, nil, fmt.Errorf("%w: short mailbox header", domain.ErrMailbox)
	}
	h := MailboxHeader{
		Length:   binary.LittleEndian.Uint16(b[0:2]),
		Address:  binary.LittleEndian.Uint16(b[2:4]),
		Priority: b[4] & 0x03,
		Type:     MailboxType(b[5] & 0x0F),
		Counter:  (b[5] >> 4) & 0x07,
	}
	if int(h.Length) > len(b)-MailboxHeaderLen {
		return h, nil, fmt.Errorf("%w: mailbox declares %d bytes, buffer holds %d", domain.ErrMailbox, h.Length, len(b)-MailboxHeaderLen)
	}
	return h, b[MailboxHeaderLen : MailboxHeaderLen+int(h.Length)], nil
}

// CoE services.
const (
	CoEEmergency   uint8 = 0x01
	CoESDORequest  uint8 = 0x02
	CoESDOResponse uint8 = 0x03
	CoESDOInfo     uint8 = 0x08
)

// CoEHeaderLen is the size of the CoE header.
const CoEHeaderLen = 2

// EncodeCoEHeader returns the CoE header for service.
func EncodeCoEHeader(service uint8) []byte {
	return binary.LittleEndian.AppendUint16(nil, uint16(service)<<12)
}

// DecodeCoEHeader returns the service of a CoE payload and the rest.
func DecodeCoEHeader(b []byte) (uint8, []byte, error) {
	if len(b) < CoEHeaderLen {
		return 0, nil, fmt.Errorf("%w: short CoE header", domain.ErrMailbox)
	}
	return uint8(binary.LittleEndian.Uint16(b) >> 12), b[CoEHeaderLen:], nil
}

// SDO command specifiers and flags.
const (
	SDODownloadInitiateRequest  uint8 = 0x20
	SDODownloadInitiateResponse uint8 = 0x60
	SDOUploadInitiateRequest    uint8 = 0x40
	SDOUploadInitiateResponse   uint8 = 0x40
	SDOAbort                    uint8 = 0x80
	SDOCommandMask              uint8 = 0xE0
	SDOFlagSizeIndicated        uint8 = 0x01
	SDOFlagExpedited            uint8 = 0x02

	// SDOHeaderLen is command, index, subindex and the 4 byte data field.
	SDOHeaderLen = 8
)

// SDO abort codes.
const (
	SDOAbortToggle           uint32 = 0x05030000
	SDOAbortTimeout          uint32 = 0x05040000
	SDOAbortUnsupported      uint32 = 0x06010000
	SDOAbortReadOnly         uint32 = 0x06010002
	SDOAbortObjectNotExist   uint32 = 0x06020000
	SDOAbortLengthMismatch   uint32 = 0x06070010
	SDOAbortSubIndexNotExist uint32 = 0x06090011
	SDOAbortGeneral          uint32 = 0x08000000
)

// EmergencyLen is the size of a CoE emergency payload after the CoE header.
const EmergencyLen = 8

// Emergency is a decoded CoE emergency message.
type Emergency struct {
	Code     uint16
	Register uint8
	Data     [5]byte
}

// EncodeEmergency returns the CoE payload (header included) for e.
func EncodeEmergency(e Emergency) []byte {
	b := EncodeCoEHeader(CoEEmergency)
	b = binary.LittleEndian.AppendUint16(b, e.Code)
	b = append(b, e.Register)
	return append(b, e.Data[:]...)
}

// DecodeEmergency parses the body of a CoE emergency (after the CoE header).
func DecodeEmergency(b []byte) (Emergency, error) {
	if len(b) < EmergencyLen {
		return Emergency{}, fmt.Errorf("%w: short emergency message", domain.ErrMailbox)
	}
	e := Emergency{Code: binary.LittleEndian.Uint16(b[0:2]), Register: b[2]}
	copy(e.Data[:], b[3:8])
	return e, nil
}
