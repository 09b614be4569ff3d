package sim_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/ecat/sim"
	"github.com/rs/zerolog"
)

func newRing(n int) (*sim.Ring, *ecat.Bus) {
	devices := make([]*sim.Device, n)
	for i := range devices {
		devices[i] = sim.NewDevice(domain.SlaveInfo{VendorID: 2, ProductCode: uint32(i)}, true)
	}
	ring := sim.NewRing(devices...)
	return ring, ecat.NewBus(ring, ecat.DefaultBusConfig(), zerolog.Nop())
}

func TestRing_BroadcastCountsDevices(t *testing.T) {
	_, bus := newRing(3)

	wkc, err := bus.BRD(context.Background(), ecat.RegType, make([]byte, 1))
	if err != nil {
		t.Fatalf("BRD() error = %v", err)
	}
	if wkc != 3 {
		t.Errorf("BRD() wkc = %d, want 3", wkc)
	}
}

func TestRing_PositionAndStationAddressing(t *testing.T) {
	ring, bus := newRing(3)
	ctx := context.Background()

	for pos := uint16(0); pos < 3; pos++ {
		addr := binary.LittleEndian.AppendUint16(nil, 1001+pos)
		if err := bus.APWR(ctx, pos, ecat.RegConfiguredStationAddress, addr); err != nil {
			t.Fatalf("APWR(%d) error = %v", pos, err)
		}
	}
	for pos := 0; pos < 3; pos++ {
		if got := ring.Device(pos).StationAddress(); got != uint16(1001+pos) {
			t.Errorf("device %d station = %d, want %d", pos, got, 1001+pos)
		}
	}

	if err := bus.FPWR(ctx, 1002, ecat.RegALControl, []byte{byte(domain.StatePreOp), 0}); err != nil {
		t.Fatalf("FPWR() error = %v", err)
	}
	if got := ring.Device(1).State(); got != domain.StatePreOp {
		t.Errorf("device 1 state = %v, want %v", got, domain.StatePreOp)
	}
	if got := ring.Device(0).State(); got != domain.StateInit {
		t.Errorf("device 0 state = %v, want %v", got, domain.StateInit)
	}

	err := bus.FPRD(ctx, 4711, ecat.RegALStatus, make([]byte, 2))
	if !errors.Is(err, domain.ErrWorkingCounter) {
		t.Errorf("FPRD() unknown station error = %v, want %v", err, domain.ErrWorkingCounter)
	}
}

func TestRing_RefusedState(t *testing.T) {
	ring, bus := newRing(1)
	ctx := context.Background()
	ring.Device(0).RefuseState(domain.StateSafeOp)

	if err := bus.APWR(ctx, 0, ecat.RegALControl, []byte{byte(domain.StateSafeOp), 0}); err != nil {
		t.Fatalf("APWR() error = %v", err)
	}
	buf := make([]byte, 6)
	if err := bus.APRD(ctx, 0, ecat.RegALStatus, buf); err != nil {
		t.Fatalf("APRD() error = %v", err)
	}
	state := domain.ALState(buf[0])
	if !state.HasError() || state.Base() != domain.StateInit {
		t.Errorf("AL status = %v, want INIT+ERR", state)
	}
	if code := binary.LittleEndian.Uint16(buf[4:]); code != 0x0011 {
		t.Errorf("AL status code = %#04x, want 0x0011", code)
	}
}

func TestRing_BlockedWritesAreNotCounted(t *testing.T) {
	ring, bus := newRing(1)
	ring.Device(0).BlockWrites(ecat.RegFMMUBase, 0x100)

	err := bus.APWR(context.Background(), 0, ecat.FMMUAddr(0), make([]byte, ecat.FMMULen))
	if !errors.Is(err, domain.ErrWorkingCounter) {
		t.Errorf("APWR() error = %v, want %v", err, domain.ErrWorkingCounter)
	}
}

func TestRing_LogicalExchange(t *testing.T) {
	ring, bus := newRing(1)
	ctx := context.Background()
	dev := ring.Device(0)

	// Output FMMU: logical 0..1 -> 0x1800, input FMMU: logical 2..3 <- 0x1A00.
	out := make([]byte, ecat.FMMULen)
	binary.LittleEndian.PutUint32(out[ecat.FMMUOffsetLogStart:], 0)
	binary.LittleEndian.PutUint16(out[ecat.FMMUOffsetLength:], 2)
	binary.LittleEndian.PutUint16(out[ecat.FMMUOffsetPhysStart:], 0x1800)
	out[ecat.FMMUOffsetType] = byte(domain.FMMUWrite)
	out[ecat.FMMUOffsetActivate] = ecat.FMMUActivateEnable
	in := append([]byte(nil), out...)
	binary.LittleEndian.PutUint32(in[ecat.FMMUOffsetLogStart:], 2)
	binary.LittleEndian.PutUint16(in[ecat.FMMUOffsetPhysStart:], 0x1A00)
	in[ecat.FMMUOffsetType] = byte(domain.FMMURead)

	if err := bus.APWR(ctx, 0, ecat.FMMUAddr(0), out); err != nil {
		t.Fatalf("APWR(fmmu0) error = %v", err)
	}
	if err := bus.APWR(ctx, 0, ecat.FMMUAddr(1), in); err != nil {
		t.Fatalf("APWR(fmmu1) error = %v", err)
	}
	if err := bus.APWR(ctx, 0, 0x1A00, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("APWR(inputs) error = %v", err)
	}

	image := []byte{0x11, 0x22, 0, 0}
	wkc, err := bus.LRW(ctx, 0, image)
	if err != nil {
		t.Fatalf("LRW() error = %v", err)
	}
	if wkc != 0 {
		t.Errorf("LRW() in INIT wkc = %d, want 0", wkc)
	}

	dev.ForceState(domain.StateOp, 0)
	wkc, err = bus.LRW(ctx, 0, image)
	if err != nil {
		t.Fatalf("LRW() error = %v", err)
	}
	if wkc != 3 {
		t.Errorf("LRW() in OP wkc = %d, want 3", wkc)
	}
	if image[2] != 0xAA || image[3] != 0xBB {
		t.Errorf("LRW() inputs = %x, want aabb", image[2:])
	}
	if got := dev.Memory(0x1800, 2); got[0] != 0x11 || got[1] != 0x22 {
		t.Errorf("device outputs = %x, want 1122", got)
	}
}

func TestRing_SystemTime(t *testing.T) {
	ring, bus := newRing(2)
	ring.SetClock(func() int64 { return 1_000_000 })
	ring.Device(1).SetClockError(2500)
	ctx := context.Background()

	buf := make([]byte, 8)
	if err := bus.APRD(ctx, 1, ecat.RegDCSystemTime, buf); err != nil {
		t.Fatalf("APRD() error = %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 1_002_500 {
		t.Errorf("system time = %d, want 1002500", got)
	}

	offsetNs := int64(-2500)
	offset := binary.LittleEndian.AppendUint64(nil, uint64(offsetNs))
	if err := bus.APWR(ctx, 1, ecat.RegDCSystemTimeOffset, offset); err != nil {
		t.Fatalf("APWR() error = %v", err)
	}
	if err := bus.APRD(ctx, 1, ecat.RegDCSystemTime, buf); err != nil {
		t.Fatalf("APRD() error = %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 1_000_000 {
		t.Errorf("system time after offset = %d, want 1000000", got)
	}
}

func TestRing_LinkDown(t *testing.T) {
	ring, bus := newRing(1)
	ring.SetLinkDown(true)

	_, err := bus.BRD(context.Background(), ecat.RegType, make([]byte, 1))
	if !errors.Is(err, domain.ErrFrameLost) {
		t.Errorf("BRD() error = %v, want %v", err, domain.ErrFrameLost)
	}

	ring.SetLinkDown(false)
	ring.DropFrames(1)
	if _, err := bus.BRD(context.Background(), ecat.RegType, make([]byte, 1)); err != nil {
		t.Errorf("BRD() after one dropped frame error = %v, want retry to succeed", err)
	}
}
