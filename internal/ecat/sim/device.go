// Package sim provides an in-memory EtherCAT ring. Each Device is backed by a
// 64 KiB memory and reacts to the registers the master touches: station
// address, AL control, sync manager mailboxes, FMMUs and DC system time. It
// implements ecat.Link and is used by tests and by the simulate mode of the
// command.
package sim

import (
	"encoding/binary"
	"sync"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
)

const (
	supportedFMMUs        = 8
	supportedSyncManagers = 8

	alStatusInvalidRequest uint16 = 0x0011
)

type objectKey struct {
	index    uint16
	subIndex uint8
}

type writeBlock struct {
	start, end uint16
}

// Device is one simulated slave.
type Device struct {
	mu         sync.Mutex
	memory     [1 << 16]byte
	info       domain.SlaveInfo
	objects    map[objectKey][]byte
	outbox     [][]byte
	counter    uint8
	clockError int64
	blocked    []writeBlock
	refuse     map[domain.ALState]bool
	requests   []domain.ALState
}

// NewDevice creates a device in INIT with the given identity.
func NewDevice(info domain.SlaveInfo, dcSupported bool) *Device {
	d := &Device{
		info:    info,
		objects: make(map[objectKey][]byte),
		refuse:  make(map[domain.ALState]bool),
	}
	d.memory[ecat.RegType] = 0x11
	d.memory[ecat.RegFMMUsSupported] = supportedFMMUs
	d.memory[ecat.RegSyncManagersSupported] = supportedSyncManagers
	if dcSupported {
		binary.LittleEndian.PutUint16(d.memory[ecat.RegFeatures:], ecat.FeatureDCSupported|ecat.FeatureDC64BitSupport)
	}
	d.memory[ecat.RegALStatus] = uint8(domain.StateInit)

	d.setObject(0x1018, 1, binary.LittleEndian.AppendUint32(nil, info.VendorID))
	d.setObject(0x1018, 2, binary.LittleEndian.AppendUint32(nil, info.ProductCode))
	d.setObject(0x1018, 3, binary.LittleEndian.AppendUint32(nil, info.RevisionNo))
	d.setObject(0x1018, 4, binary.LittleEndian.AppendUint32(nil, info.SerialNo))
	return d
}

// Info returns the device identity.
func (d *Device) Info() domain.SlaveInfo { return d.info }

// SetObject stores an object dictionary entry.
func (d *Device) SetObject(index uint16, subIndex uint8, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setObject(index, subIndex, data)
}

func (d *Device) setObject(index uint16, subIndex uint8, data []byte) {
	d.objects[objectKey{index, subIndex}] = append([]byte(nil), data...)
}

// Object returns an object dictionary entry.
func (d *Device) Object(index uint16, subIndex uint8) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.objects[objectKey{index, subIndex}]
	return append([]byte(nil), v...), ok
}

// BlockWrites makes the device ignore writes to [start, start+length).
// The datagram working counter is not incremented for such writes.
func (d *Device) BlockWrites(start, length uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocked = append(d.blocked, writeBlock{start: start, end: start + length})
}

// RefuseState makes the device reject transitions to state.
func (d *Device) RefuseState(state domain.ALState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse[state] = true
}

// ForceState sets the AL status directly, as a device-local fault would.
func (d *Device) ForceState(state domain.ALState, code uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memory[ecat.RegALStatus] = uint8(state)
	binary.LittleEndian.PutUint16(d.memory[ecat.RegALStatusCode:], code)
}

// State returns the current AL status.
func (d *Device) State() domain.ALState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.ALState(d.memory[ecat.RegALStatus])
}

// Requests returns every state the master requested, in order.
func (d *Device) Requests() []domain.ALState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.ALState(nil), d.requests...)
}

// StationAddress returns the configured station address.
func (d *Device) StationAddress() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return binary.LittleEndian.Uint16(d.memory[ecat.RegConfiguredStationAddress:])
}

// SetClockError sets the device clock error relative to the ring clock.
func (d *Device) SetClockError(ns int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clockError = ns
}

// SystemTimeOffset returns the offset register the master maintains.
func (d *Device) SystemTimeOffset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(binary.LittleEndian.Uint64(d.memory[ecat.RegDCSystemTimeOffset:]))
}

// QueueEmergency queues a CoE emergency for the master to collect.
func (d *Device) QueueEmergency(code uint16, register uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueue(ecat.MailboxCoE, ecat.EncodeEmergency(ecat.Emergency{Code: code, Register: register}))
}

// Memory copies n bytes of device memory at addr.
func (d *Device) Memory(addr uint16, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, n)
	copy(out, d.memory[addr:])
	return out
}

func (d *Device) station() uint16 {
	return binary.LittleEndian.Uint16(d.memory[ecat.RegConfiguredStationAddress:])
}

func (d *Device) alState() domain.ALState {
	return domain.ALState(d.memory[ecat.RegALStatus]).Base()
}

func (d *Device) writeAllowed(addr uint16, n int) bool {
	end := uint32(addr) + uint32(n)
	for _, b := range d.blocked {
		if uint32(addr) < uint32(b.end) && end > uint32(b.start) {
			return false
		}
	}
	return true
}

// read copies device memory into data, applying read side effects.
func (d *Device) read(addr uint16, data []byte, now int64, or bool) {
	for i := range data {
		v := d.memory[uint16(int(addr)+i)]
		if or {
			data[i] |= v
		} else {
			data[i] = v
		}
	}
	d.overlaySystemTime(addr, data, now, or)
	d.afterRead(addr, len(data))
}

func (d *Device) overlaySystemTime(addr uint16, data []byte, now int64, or bool) {
	start, end := int(ecat.RegDCSystemTime), int(ecat.RegDCSystemTime)+8
	lo, hi := int(addr), int(addr)+len(data)
	if hi <= start || lo >= end {
		return
	}
	var st [8]byte
	binary.LittleEndian.PutUint64(st[:], uint64(d.localTime(now)))
	for i := lo; i < hi; i++ {
		if i >= start && i < end {
			if or {
				data[i-lo] |= st[i-start]
			} else {
				data[i-lo] = st[i-start]
			}
		}
	}
}

func (d *Device) localTime(now int64) int64 {
	offset := int64(binary.LittleEndian.Uint64(d.memory[ecat.RegDCSystemTimeOffset:]))
	return now + d.clockError + offset
}

func (d *Device) dcSupported() bool {
	return binary.LittleEndian.Uint16(d.memory[ecat.RegFeatures:])&ecat.FeatureDCSupported != 0
}

// write stores data, applying write side effects. It reports whether the
// write was accepted.
func (d *Device) write(addr uint16, data []byte) bool {
	if !d.writeAllowed(addr, len(data)) {
		return false
	}
	lo, hi := int(ecat.RegDCSystemTime), int(ecat.RegDCSystemTime)+8
	for i, v := range data {
		a := int(addr) + i
		// System time is computed, writes only latch the reference for delay measurement.
		if a >= lo && a < hi {
			continue
		}
		d.memory[uint16(a)] = v
	}
	d.afterWrite(addr, len(data))
	return true
}

func overlaps(addr uint16, n int, reg uint16, regLen int) bool {
	return int(addr) < int(reg)+regLen && int(addr)+n > int(reg)
}

func (d *Device) afterWrite(addr uint16, n int) {
	if overlaps(addr, n, ecat.RegALControl, 2) {
		d.handleALControl()
	}
	if start, length, ok := d.syncManager(0); ok && overlaps(addr, n, start+length-1, 1) {
		d.handleMailboxWrite(start, length)
	}
	d.pumpMailbox()
}

func (d *Device) afterRead(addr uint16, n int) {
	if start, length, ok := d.syncManager(1); ok && overlaps(addr, n, start+length-1, 1) {
		status := ecat.SyncManagerAddr(1) + ecat.SMOffsetStatus
		if d.memory[status]&ecat.SMStatusMailboxFull != 0 {
			d.memory[status] &^= ecat.SMStatusMailboxFull
			d.pumpMailbox()
		}
	}
}

func (d *Device) handleALControl() {
	control := d.memory[ecat.RegALControl]
	requested := domain.ALState(control).Base()
	d.requests = append(d.requests, requested)
	if d.refuse[requested] {
		d.memory[ecat.RegALStatus] = uint8(d.alState() | domain.StateErrorFlag)
		binary.LittleEndian.PutUint16(d.memory[ecat.RegALStatusCode:], alStatusInvalidRequest)
		return
	}
	d.memory[ecat.RegALStatus] = uint8(requested)
	binary.LittleEndian.PutUint16(d.memory[ecat.RegALStatusCode:], 0)
}

// syncManager returns the area of an activated sync manager channel.
func (d *Device) syncManager(i uint8) (uint16, uint16, bool) {
	base := ecat.SyncManagerAddr(i)
	if d.memory[base+ecat.SMOffsetActivate]&ecat.SMActivateEnable == 0 {
		return 0, 0, false
	}
	start := binary.LittleEndian.Uint16(d.memory[base+ecat.SMOffsetPhysStart:])
	length := binary.LittleEndian.Uint16(d.memory[base+ecat.SMOffsetLength:])
	if length == 0 {
		return 0, 0, false
	}
	return start, length, true
}
