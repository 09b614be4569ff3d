package testutil

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/ecat/sim"
	"github.com/rs/zerolog"
)

// Station returns the station address the fixtures use for a position.
func Station(position uint16) uint16 {
	return 1001 + position
}

// DriveConfig returns the configuration of a servo drive at position: CoE
// mailbox, 6 bytes of outputs and 6 bytes of inputs, DC capable.
func DriveConfig(position uint16) domain.SlaveConfig {
	mbx := domain.DefaultMailboxConfig()
	mbx.Timeouts = domain.MailboxTimeouts{Request: 200 * time.Millisecond, Response: 200 * time.Millisecond, Emergency: 200 * time.Millisecond}
	out := uint32(position) * 16
	in := 1024 + uint32(position)*16

	return domain.SlaveConfig{
		Position: position,
		Address:  Station(position),
		Info:     domain.SlaveInfo{Name: "drive", VendorID: 0x2, ProductCode: 0x1234, RevisionNo: 1, SerialNo: uint32(position)},
		DC:       domain.DistributedClockConfig{Enabled: true, CycleTime: time.Millisecond, Activation: 0x0300},
		Mailbox:  mbx,
		SyncManagers: []domain.SyncManagerConfig{
			{Index: 0, StartAddress: 0x1000, Length: 128, Control: 0x26, Enable: true, Type: domain.SyncManagerMailboxWrite},
			{Index: 1, StartAddress: 0x1100, Length: 128, Control: 0x22, Enable: true, Type: domain.SyncManagerMailboxRead},
			{Index: 2, StartAddress: 0x1800, Length: 6, Control: 0x64, Enable: true, Type: domain.SyncManagerOutputs},
			{Index: 3, StartAddress: 0x1A00, Length: 6, Control: 0x20, Enable: true, Type: domain.SyncManagerInputs},
		},
		FMMUs: []domain.FMMUConfig{
			{Index: 0, LogicalStart: out, Length: 6, PhysicalStart: 0x1800, Type: domain.FMMUWrite, Enable: true},
			{Index: 1, LogicalStart: in, Length: 6, PhysicalStart: 0x1A00, Type: domain.FMMURead, Enable: true},
		},
		RxPDOs: []domain.PDO{{
			Index: 0x1600, Name: "Outputs", SMIndex: 2, Enabled: true,
			Entries: []domain.PDOEntry{
				{Index: 0x6040, SubIndex: 0, BitLength: 16, Name: "Controlword", DataType: domain.DataTypeUInt16},
				{Index: 0x607A, SubIndex: 0, BitLength: 32, Name: "TargetPosition", DataType: domain.DataTypeInt32},
			},
		}},
		TxPDOs: []domain.PDO{{
			Index: 0x1A00, Name: "Inputs", SMIndex: 3, Enabled: true,
			Entries: []domain.PDOEntry{
				{Index: 0x6041, SubIndex: 0, BitLength: 16, Name: "Statusword", DataType: domain.DataTypeUInt16},
				{Index: 0x6064, SubIndex: 0, BitLength: 32, Name: "ActualPosition", DataType: domain.DataTypeInt32},
			},
		}},
		ErrorHandling: domain.ErrorHandling{AutoRecovery: true, RecoveryAttempts: 3, RecoveryTimeout: time.Second},
	}
}

// DriveDevice returns a simulated device matching DriveConfig.
func DriveDevice(position uint16) *sim.Device {
	cfg := DriveConfig(position)
	d := sim.NewDevice(cfg.Info, true)
	d.SetObject(0x6040, 0, []byte{0, 0})
	d.SetObject(0x607A, 0, []byte{0, 0, 0, 0})
	d.SetObject(0x6060, 0, []byte{0})
	d.SetObject(0x1008, 0, []byte("SimDrive 1000"))
	return d
}

// NewRing builds a ring of n simulated drives and a bus on top of it.
func NewRing(t *testing.T, n int) (*sim.Ring, *ecat.Bus) {
	t.Helper()
	devices := make([]*sim.Device, n)
	for i := range devices {
		devices[i] = DriveDevice(uint16(i))
	}
	ring := sim.NewRing(devices...)
	bus := ecat.NewBus(ring, ecat.BusConfig{FrameTimeout: 50 * time.Millisecond, Retries: 1}, zerolog.Nop())
	t.Cleanup(func() { bus.Close() })
	return ring, bus
}

// AssignStations writes the fixture station address to every device.
func AssignStations(t *testing.T, bus *ecat.Bus, n int) {
	t.Helper()
	ctx, cancel := ContextWithTimeout(t)
	defer cancel()
	for pos := uint16(0); pos < uint16(n); pos++ {
		addr := binary.LittleEndian.AppendUint16(nil, Station(pos))
		RequireNoError(t, bus.APWR(ctx, pos, ecat.RegConfiguredStationAddress, addr))
	}
}

// WriteSyncManagers writes the sync manager table of cfg directly to the
// device, bypassing the managers.
func WriteSyncManagers(ctx context.Context, t *testing.T, io domain.DeviceIO, cfg domain.SlaveConfig) {
	t.Helper()
	for _, sm := range cfg.SyncManagers {
		b := make([]byte, ecat.SyncManagerLen)
		binary.LittleEndian.PutUint16(b[ecat.SMOffsetPhysStart:], sm.StartAddress)
		binary.LittleEndian.PutUint16(b[ecat.SMOffsetLength:], sm.Length)
		b[ecat.SMOffsetControl] = sm.Control
		if sm.Enable {
			b[ecat.SMOffsetActivate] = ecat.SMActivateEnable
		}
		RequireNoError(t, io.WriteRegister(ctx, cfg.Address, ecat.SyncManagerAddr(sm.Index), b))
	}
}
