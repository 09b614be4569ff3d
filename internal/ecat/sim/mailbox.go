package sim

import (
	"encoding/binary"

	"github.com/nexus-edge/ecat-master/internal/ecat"
)

const mailboxErrUnsupportedProtocol uint16 = 0x0002

func (d *Device) enqueue(typ ecat.MailboxType, payload []byte) {
	d.counter = d.counter%7 + 1
	h := ecat.MailboxHeader{Type: typ, Counter: d.counter}
	msg := make([]byte, ecat.MailboxHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(msg[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(msg[2:4], h.Address)
	msg[5] = uint8(h.Type)&0x0F | (h.Counter&0x07)<<4
	copy(msg[ecat.MailboxHeaderLen:], payload)
	d.outbox = append(d.outbox, msg)
	d.pumpMailbox()
}

// pumpMailbox moves the next queued message into the read mailbox when it is
// configured and empty.
func (d *Device) pumpMailbox() {
	if len(d.outbox) == 0 {
		return
	}
	start, length, ok := d.syncManager(1)
	if !ok {
		return
	}
	status := ecat.SyncManagerAddr(1) + ecat.SMOffsetStatus
	if d.memory[status]&ecat.SMStatusMailboxFull != 0 {
		return
	}
	msg := d.outbox[0]
	d.outbox = d.outbox[1:]
	area := d.memory[start : int(start)+int(length)]
	for i := range area {
		area[i] = 0
	}
	copy(area, msg)
	d.memory[status] |= ecat.SMStatusMailboxFull
}

func (d *Device) handleMailboxWrite(start, length uint16) {
	h, payload, err := ecat.DecodeMailbox(d.memory[start : int(start)+int(length)])
	if err != nil {
		return
	}
	if h.Type != ecat.MailboxCoE {
		d.enqueue(ecat.MailboxErr, binary.LittleEndian.AppendUint16([]byte{0x01, 0x00}, mailboxErrUnsupportedProtocol))
		return
	}
	service, body, err := ecat.DecodeCoEHeader(payload)
	if err != nil || service != ecat.CoESDORequest || len(body) < ecat.SDOHeaderLen {
		return
	}
	d.enqueue(ecat.MailboxCoE, d.serveSDO(body))
}

// serveSDO answers one SDO request from the object dictionary.
func (d *Device) serveSDO(req []byte) []byte {
	cmd := req[0]
	index := binary.LittleEndian.Uint16(req[1:3])
	subIndex := req[3]
	key := objectKey{index, subIndex}

	switch cmd & ecat.SDOCommandMask {
	case ecat.SDOUploadInitiateRequest:
		obj, ok := d.objects[key]
		if !ok {
			return sdoAbort(index, subIndex, ecat.SDOAbortObjectNotExist)
		}
		resp := append(ecat.EncodeCoEHeader(ecat.CoESDOResponse), 0, req[1], req[2], subIndex)
		if len(obj) <= 4 {
			resp[ecat.CoEHeaderLen] = ecat.SDOUploadInitiateResponse | ecat.SDOFlagExpedited | ecat.SDOFlagSizeIndicated | uint8(4-len(obj))<<2
			var data [4]byte
			copy(data[:], obj)
			return append(resp, data[:]...)
		}
		resp[ecat.CoEHeaderLen] = ecat.SDOUploadInitiateResponse | ecat.SDOFlagSizeIndicated
		resp = binary.LittleEndian.AppendUint32(resp, uint32(len(obj)))
		return append(resp, obj...)

	case ecat.SDODownloadInitiateRequest:
		var data []byte
		if cmd&ecat.SDOFlagExpedited != 0 {
			n := 4
			if cmd&ecat.SDOFlagSizeIndicated != 0 {
				n = 4 - int(cmd>>2&0x03)
			}
			data = req[4 : 4+n]
		} else {
			size := int(binary.LittleEndian.Uint32(req[4:8]))
			if size > len(req)-ecat.SDOHeaderLen {
				return sdoAbort(index, subIndex, ecat.SDOAbortLengthMismatch)
			}
			data = req[ecat.SDOHeaderLen : ecat.SDOHeaderLen+size]
		}
		if _, ok := d.objects[key]; !ok && !mappingObject(index) {
			return sdoAbort(index, subIndex, ecat.SDOAbortObjectNotExist)
		}
		d.setObject(index, subIndex, data)
		resp := append(ecat.EncodeCoEHeader(ecat.CoESDOResponse), ecat.SDODownloadInitiateResponse, req[1], req[2], subIndex)
		return append(resp, 0, 0, 0, 0)
	}
	return sdoAbort(index, subIndex, ecat.SDOAbortUnsupported)
}

func sdoAbort(index uint16, subIndex uint8, code uint32) []byte {
	resp := append(ecat.EncodeCoEHeader(ecat.CoESDORequest), ecat.SDOAbort)
	resp = binary.LittleEndian.AppendUint16(resp, index)
	resp = append(resp, subIndex)
	return binary.LittleEndian.AppendUint32(resp, code)
}

// mappingObject reports whether index is a PDO mapping or assignment object,
// which the device creates on demand.
func mappingObject(index uint16) bool {
	return (index >= 0x1600 && index < 0x1800) ||
		(index >= 0x1A00 && index < 0x1C00) ||
		(index >= 0x1C10 && index < 0x1C30)
}
