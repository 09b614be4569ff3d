package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
)

// Ring is a chain of simulated devices reachable through the ecat.Link
// interface. Datagrams visit the devices in ring order.
type Ring struct {
	mu      sync.Mutex
	devices []*Device
	clock   func() int64
	down    atomic.Bool
	drop    atomic.Int32
	closed  atomic.Bool
	frames  atomic.Uint64
}

// NewRing creates a ring of devices. The first device is at position 0.
func NewRing(devices ...*Device) *Ring {
	start := time.Now()
	return &Ring{
		devices: devices,
		clock:   func() int64 { return int64(time.Since(start)) },
	}
}

// SetClock replaces the ring reference clock (nanoseconds).
func (r *Ring) SetClock(clock func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// SetLinkDown makes every exchange fail as a lost frame.
func (r *Ring) SetLinkDown(down bool) {
	r.down.Store(down)
}

// DropFrames loses the next n frames.
func (r *Ring) DropFrames(n int) {
	r.drop.Store(int32(n))
}

// Frames returns the number of frames that reached the ring.
func (r *Ring) Frames() uint64 {
	return r.frames.Load()
}

// Device returns the device at position pos.
func (r *Ring) Device(pos int) *Device {
	return r.devices[pos]
}

// Len returns the number of devices.
func (r *Ring) Len() int {
	return len(r.devices)
}

// Exchange processes the frame through every device and returns the result.
func (r *Ring) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	if r.closed.Load() {
		return nil, domain.ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFrameLost, err)
	}
	if r.down.Load() {
		return nil, fmt.Errorf("%w: link down", domain.ErrFrameLost)
	}
	if r.drop.Load() > 0 && r.drop.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: dropped", domain.ErrFrameLost)
	}
	r.frames.Add(1)

	buf := append([]byte(nil), frame...)
	f, err := ecat.DecodeFrame(buf)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	now := r.clock()
	for _, d := range f.Datagrams {
		r.process(d, now)
	}
	r.mu.Unlock()

	return f.Encode(make([]byte, 0, len(frame)))
}

// Close marks the link closed.
func (r *Ring) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *Ring) process(dg *ecat.Datagram, now int64) {
	for _, dev := range r.devices {
		dev.mu.Lock()
		dev.process(dg, now)
		dev.mu.Unlock()
	}
}

// process applies one datagram as it passes the device.
func (d *Device) process(dg *ecat.Datagram, now int64) {
	switch dg.Command {
	case ecat.APRD, ecat.APWR, ecat.APRW, ecat.ARMW:
		adp := dg.SlaveAddr()
		dg.Addr = dg.Addr&^0xFFFF | uint32(adp+1)
		addressed := adp == 0
		if dg.Command == ecat.ARMW {
			d.readMultipleWrite(dg, addressed, now)
			return
		}
		if addressed {
			d.physical(dg, now, false)
		}
	case ecat.FPRD, ecat.FPWR, ecat.FPRW:
		if dg.SlaveAddr() == d.station() {
			d.physical(dg, now, false)
		}
	case ecat.FRMW:
		d.readMultipleWrite(dg, dg.SlaveAddr() == d.station(), now)
	case ecat.BRD, ecat.BWR, ecat.BRW:
		dg.Addr = dg.Addr&^0xFFFF | uint32(dg.SlaveAddr()+1)
		d.physical(dg, now, true)
	case ecat.LRD, ecat.LWR, ecat.LRW:
		d.logical(dg)
	}
}

func (d *Device) physical(dg *ecat.Datagram, now int64, broadcast bool) {
	addr := dg.OffsetAddr()
	switch dg.Command {
	case ecat.APRD, ecat.FPRD, ecat.BRD:
		d.read(addr, dg.Data, now, broadcast)
		dg.WorkingCounter++
	case ecat.APWR, ecat.FPWR, ecat.BWR:
		if d.write(addr, dg.Data) {
			dg.WorkingCounter++
		}
	case ecat.APRW, ecat.FPRW, ecat.BRW:
		in := append([]byte(nil), dg.Data...)
		d.read(addr, dg.Data, now, broadcast)
		dg.WorkingCounter++
		if d.write(addr, in) {
			dg.WorkingCounter += 2
		}
	}
}

// readMultipleWrite lets the addressed device fill the payload and every
// other device store it.
func (d *Device) readMultipleWrite(dg *ecat.Datagram, addressed bool, now int64) {
	addr := dg.OffsetAddr()
	if addressed {
		d.read(addr, dg.Data, now, false)
		dg.WorkingCounter++
		return
	}
	if d.write(addr, dg.Data) {
		dg.WorkingCounter++
	}
}

// logical maps the datagram through the enabled FMMUs. Inputs are served from
// SAFEOP, outputs are only accepted in OP.
func (d *Device) logical(dg *ecat.Datagram) {
	state := d.alState()
	if state != domain.StateSafeOp && state != domain.StateOp {
		return
	}
	lo := uint64(dg.Addr)
	hi := lo + uint64(len(dg.Data))
	var readHit, writeHit bool
	original := append([]byte(nil), dg.Data...)

	for i := uint8(0); i < supportedFMMUs; i++ {
		base := ecat.FMMUAddr(i)
		if d.memory[base+ecat.FMMUOffsetActivate]&ecat.FMMUActivateEnable == 0 {
			continue
		}
		logStart := uint64(binary.LittleEndian.Uint32(d.memory[base+ecat.FMMUOffsetLogStart:]))
		length := uint64(binary.LittleEndian.Uint16(d.memory[base+ecat.FMMUOffsetLength:]))
		phys := binary.LittleEndian.Uint16(d.memory[base+ecat.FMMUOffsetPhysStart:])
		typ := domain.FMMUType(d.memory[base+ecat.FMMUOffsetType])

		from, to := max(lo, logStart), min(hi, logStart+length)
		if from >= to {
			continue
		}
		physAddr := phys + uint16(from-logStart)
		data := dg.Data[from-lo : to-lo]

		if typ == domain.FMMURead && dg.Command != ecat.LWR {
			d.read(physAddr, data, 0, false)
			readHit = true
		}
		if typ == domain.FMMUWrite && dg.Command != ecat.LRD && state == domain.StateOp {
			if d.write(physAddr, original[from-lo:to-lo]) {
				writeHit = true
			}
		}
	}

	if readHit {
		dg.WorkingCounter++
	}
	if writeHit {
		if dg.Command == ecat.LRW {
			dg.WorkingCounter += 2
		} else {
			dg.WorkingCounter++
		}
	}
}
