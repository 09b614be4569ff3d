package master_test

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/ecat/sim"
	"github.com/nexus-edge/ecat-master/internal/health"
	"github.com/nexus-edge/ecat-master/internal/master"
	"github.com/nexus-edge/ecat-master/internal/monitoring"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/nexus-edge/ecat-master/testing/testutil"
	"github.com/rs/zerolog"
)

const waitTimeout = 3 * time.Second

func testConfig() domain.MasterConfig {
	cfg := domain.DefaultMasterConfig()
	cfg.Network.FrameTimeout = 20 * time.Millisecond
	cfg.Network.FrameRetries = 0
	cfg.StateTimeout = 200 * time.Millisecond
	cfg.Cycle.WKCErrorThreshold = 1000
	cfg.DC.DriftCompensation.Interval = 50 * time.Millisecond
	return cfg
}

func testOptions(ring *sim.Ring) master.Options {
	return master.Options{
		Dial: func(context.Context) (ecat.Link, error) { return ring, nil },
		Monitoring: monitoring.Config{
			Interval:         10 * time.Millisecond,
			HighErrorRate:    0.9,
			MinCyclesForRate: 100,
			Reconnect:        monitoring.ReconnectSettings{MaxAttempts: 100, Delay: 20 * time.Millisecond},
			ReactionWorkers:  2,
		},
		ShutdownTimeout: 2 * time.Second,
	}
}

func drives(n int) []domain.SlaveConfig {
	out := make([]domain.SlaveConfig, n)
	for i := range out {
		out[i] = testutil.DriveConfig(uint16(i))
	}
	return out
}

func newRing(n int) *sim.Ring {
	devices := make([]*sim.Device, n)
	for i := range devices {
		devices[i] = testutil.DriveDevice(uint16(i))
	}
	ring := sim.NewRing(devices...)
	ring.SetClock(func() int64 { return 5_000_000_000 })
	return ring
}

func newMaster(t *testing.T, ring *sim.Ring, slaves []domain.SlaveConfig, cfg domain.MasterConfig, opts master.Options) *master.Master {
	t.Helper()
	m, err := master.New(cfg, slaves, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func startMaster(t *testing.T, m *master.Master) {
	t.Helper()
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func waitCycles(t *testing.T, m *master.Master, n uint64) {
	t.Helper()
	start := m.Statistics().SuccessCycles
	testutil.WaitForCondition(t, func() bool {
		return m.Statistics().SuccessCycles >= start+n
	}, waitTimeout, "successful cycles")
}

func TestMaster_StartReachesOP(t *testing.T) {
	ring := newRing(2)
	m := newMaster(t, ring, drives(2), testConfig(), testOptions(ring))
	startMaster(t, m)

	for i := 0; i < ring.Len(); i++ {
		if got := ring.Device(i).State(); got != domain.StateOp {
			t.Errorf("device %d state = %s, want OP", i, got)
		}
	}
	if got := m.ConnectionState(); got != domain.ConnectionConnected {
		t.Errorf("ConnectionState() = %s, want %s", got, domain.ConnectionConnected)
	}
	waitCycles(t, m, 20)

	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	for pos := uint16(0); pos < 2; pos++ {
		s, err := m.SlaveState(pos)
		if err != nil {
			t.Fatalf("SlaveState(%d) error = %v", pos, err)
		}
		if !s.Operational || s.State != domain.StateOp {
			t.Errorf("SlaveState(%d) = %+v, want operational in OP", pos, s)
		}
		if s.Address != testutil.Station(pos) {
			t.Errorf("SlaveState(%d).Address = %d, want %d", pos, s.Address, testutil.Station(pos))
		}
		if s.BytesSent == 0 || s.BytesReceived == 0 {
			t.Errorf("SlaveState(%d) traffic = %d/%d, want non-zero", pos, s.BytesSent, s.BytesReceived)
		}
		if !s.Synced {
			t.Errorf("SlaveState(%d).Synced = false, want true", pos)
		}
	}
}

func TestMaster_StatisticsInvariant(t *testing.T) {
	ring := newRing(1)
	m := newMaster(t, ring, drives(1), testConfig(), testOptions(ring))
	startMaster(t, m)
	waitCycles(t, m, 10)

	ring.DropFrames(3)
	waitCycles(t, m, 10)

	s := m.Statistics()
	if s.TotalCycles != s.SuccessCycles+s.ErrorCount {
		t.Errorf("TotalCycles = %d, want SuccessCycles %d + ErrorCount %d", s.TotalCycles, s.SuccessCycles, s.ErrorCount)
	}
	if s.LostFrames < 3 {
		t.Errorf("LostFrames = %d, want >= 3", s.LostFrames)
	}
	if s.MinCycleTime > s.AvgCycleTime || s.AvgCycleTime > s.MaxCycleTime {
		t.Errorf("cycle times min %v avg %v max %v are not ordered", s.MinCycleTime, s.AvgCycleTime, s.MaxCycleTime)
	}
}

func TestMaster_FailedDeviceIsSkipped(t *testing.T) {
	ring := newRing(2)
	ring.Device(1).BlockWrites(ecat.FMMUAddr(0), 16)

	m := newMaster(t, ring, drives(2), testConfig(), testOptions(ring))
	startMaster(t, m)

	failed, err := m.SlaveState(1)
	if err != nil {
		t.Fatalf("SlaveState(1) error = %v", err)
	}
	if failed.FailedStep != domain.StepFMMUs {
		t.Errorf("FailedStep = %q, want %q", failed.FailedStep, domain.StepFMMUs)
	}
	if failed.Operational || failed.LastError == "" {
		t.Errorf("SlaveState(1) = %+v, want not operational with an error", failed)
	}
	if got := ring.Device(0).State(); got != domain.StateOp {
		t.Errorf("device 0 state = %s, want OP", got)
	}

	// The failed device is excluded from the expected working counter.
	waitCycles(t, m, 20)
	if s := m.Statistics(); s.WKCErrors != 0 {
		t.Errorf("WKCErrors = %d, want 0", s.WKCErrors)
	}

	err = m.HealthCheck(context.Background())
	if !errors.Is(err, health.ErrDegraded) {
		t.Errorf("HealthCheck() error = %v, want %v", err, health.ErrDegraded)
	}
}

func TestMaster_ConfigStepErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		blocked  uint16
		wantStep domain.ConfigStep
		wantCode domain.ErrorCode
	}{
		{"sync managers", ecat.SyncManagerAddr(0), domain.StepSyncManagers, domain.CodeSyncManagerConfigFailed},
		{"fmmus", ecat.FMMUAddr(0), domain.StepFMMUs, domain.CodeFMMUConfigFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring := newRing(2)
			ring.Device(1).BlockWrites(tt.blocked, 8)

			var mu sync.Mutex
			var codes []domain.ErrorCode
			m := newMaster(t, ring, drives(2), testConfig(), testOptions(ring))
			m.SetErrorCallback(func(slave uint16, code domain.ErrorCode, message string) {
				mu.Lock()
				defer mu.Unlock()
				if slave == testutil.Station(1) {
					codes = append(codes, code)
				}
			})
			startMaster(t, m)

			s, err := m.SlaveState(1)
			if err != nil {
				t.Fatalf("SlaveState(1) error = %v", err)
			}
			if s.FailedStep != tt.wantStep {
				t.Errorf("FailedStep = %q, want %q", s.FailedStep, tt.wantStep)
			}

			mu.Lock()
			defer mu.Unlock()
			if len(codes) == 0 || codes[0] != tt.wantCode {
				t.Errorf("error codes = %v, want %s first", codes, tt.wantCode)
			}
		})
	}
}

func TestMaster_NoDeviceReachesOP(t *testing.T) {
	ring := newRing(1)
	ring.Device(0).RefuseState(domain.StateOp)

	var mu sync.Mutex
	var codes []domain.ErrorCode
	m := newMaster(t, ring, drives(1), testConfig(), testOptions(ring))
	m.SetErrorCallback(func(slave uint16, code domain.ErrorCode, message string) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
	})

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	testutil.RequireNoError(t, m.Init(ctx))

	err := m.Start(ctx)
	if !errors.Is(err, domain.ErrSlaveConfigFailed) {
		t.Fatalf("Start() error = %v, want %v", err, domain.ErrSlaveConfigFailed)
	}
	if got := m.ConnectionState(); got != domain.ConnectionError {
		t.Errorf("ConnectionState() = %s, want %s", got, domain.ConnectionError)
	}
	if m.IsRunning() {
		t.Error("IsRunning() = true after failed Start")
	}

	s, _ := m.SlaveState(0)
	if s.FailedStep != domain.StepTransition {
		t.Errorf("FailedStep = %q, want %q", s.FailedStep, domain.StepTransition)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, c := range codes {
		found = found || c == domain.CodeStateTransitionTimeout
	}
	if !found {
		t.Errorf("error codes = %v, want %s", codes, domain.CodeStateTransitionTimeout)
	}
}

func TestMaster_InitErrors(t *testing.T) {
	t.Run("empty ring", func(t *testing.T) {
		ring := sim.NewRing()
		m := newMaster(t, ring, drives(1), testConfig(), testOptions(ring))
		err := m.Init(context.Background())
		if !errors.Is(err, domain.ErrNoSlaves) || !errors.Is(err, domain.ErrNetworkInitFailed) {
			t.Errorf("Init() error = %v, want %v and %v", err, domain.ErrNetworkInitFailed, domain.ErrNoSlaves)
		}
		if got := domain.CodeOf(err); got != domain.CodeNoSlaves {
			t.Errorf("CodeOf(Init()) = %s, want %s", got, domain.CodeNoSlaves)
		}
	})

	t.Run("dial failure", func(t *testing.T) {
		opts := testOptions(nil)
		opts.Dial = func(context.Context) (ecat.Link, error) { return nil, errors.New("no such interface") }
		m := newMaster(t, nil, drives(1), testConfig(), opts)
		err := m.Init(context.Background())
		if !errors.Is(err, domain.ErrNetworkInitFailed) {
			t.Errorf("Init() error = %v, want %v", err, domain.ErrNetworkInitFailed)
		}
		if got := m.ConnectionState(); got != domain.ConnectionError {
			t.Errorf("ConnectionState() = %s, want %s", got, domain.ConnectionError)
		}
	})

	t.Run("start before init", func(t *testing.T) {
		ring := newRing(1)
		m := newMaster(t, ring, drives(1), testConfig(), testOptions(ring))
		if err := m.Start(context.Background()); !errors.Is(err, domain.ErrInvalidOperation) {
			t.Errorf("Start() error = %v, want %v", err, domain.ErrInvalidOperation)
		}
	})
}

func TestMaster_MissingPosition(t *testing.T) {
	ring := newRing(2)
	m := newMaster(t, ring, drives(3), testConfig(), testOptions(ring))
	startMaster(t, m)

	s, err := m.SlaveState(2)
	if err != nil {
		t.Fatalf("SlaveState(2) error = %v", err)
	}
	if s.Operational || !strings.Contains(s.LastError, "not present") {
		t.Errorf("SlaveState(2) = %+v, want not present", s)
	}
	for pos := uint16(0); pos < 2; pos++ {
		if s, _ := m.SlaveState(pos); !s.Operational {
			t.Errorf("SlaveState(%d).Operational = false, want true", pos)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	ring := newRing(1)
	dup := drives(2)
	dup[1].Address = dup[0].Address

	badCycle := testConfig()
	badCycle.Cycle.MinCycleTime = 3 * time.Millisecond

	noDial := testOptions(ring)
	noDial.Dial = nil

	tests := []struct {
		name    string
		cfg     domain.MasterConfig
		slaves  []domain.SlaveConfig
		opts    master.Options
		wantErr error
	}{
		{"duplicate address", testConfig(), dup, testOptions(ring), domain.ErrDuplicateSlaveAddress},
		{"min above max", badCycle, drives(1), testOptions(ring), domain.ErrInvalidParameter},
		{"no dialer", testConfig(), drives(1), noDial, domain.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := master.New(tt.cfg, tt.slaves, tt.opts, zerolog.Nop())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaster_StopIsIdempotent(t *testing.T) {
	ring := newRing(1)
	m := newMaster(t, ring, drives(1), testConfig(), testOptions(ring))
	startMaster(t, m)

	if err := m.Start(context.Background()); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want %v", err, domain.ErrAlreadyRunning)
	}

	for i := 0; i < 2; i++ {
		if err := m.Stop(); err != nil {
			t.Fatalf("Stop() #%d error = %v", i+1, err)
		}
	}
	if m.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if got := m.ConnectionState(); got != domain.ConnectionDisconnected {
		t.Errorf("ConnectionState() = %s, want %s", got, domain.ConnectionDisconnected)
	}
	if got := ring.Device(0).State(); got != domain.StateInit {
		t.Errorf("device state after Stop = %s, want INIT", got)
	}

	// A stopped master can be started again.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	waitCycles(t, m, 5)
}

func TestMaster_ProcessData(t *testing.T) {
	ring := newRing(1)
	m := newMaster(t, ring, drives(1), testConfig(), testOptions(ring))
	startMaster(t, m)

	control := testutil.MustUint(t, domain.DataTypeUInt16, 0x000F)
	if err := m.WritePDO(0, 0x1600, 0x6040, 0, control); err != nil {
		t.Fatalf("WritePDO() error = %v", err)
	}
	testutil.WaitForCondition(t, func() bool {
		return binary.LittleEndian.Uint16(ring.Device(0).Memory(0x1800, 2)) == 0x000F
	}, waitTimeout, "controlword reaches the device")

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	status := []byte{0x37, 0x02}
	testutil.RequireNoError(t, m.WriteRegisters(ctx, 0, 0x1A00, status))
	testutil.WaitForCondition(t, func() bool {
		v, err := m.ReadPDO(0, 0x1A00, 0x6041, 0)
		return err == nil && v.String() == "567"
	}, waitTimeout, "statusword reaches the image")
}

func TestMaster_RegisterBindings(t *testing.T) {
	ring := newRing(1)
	store := registry.NewStore(registry.DefaultAreaSize, zerolog.Nop())

	opts := testOptions(ring)
	opts.Registers = store
	opts.Variables = &domain.NetworkVariablesConfig{
		Version: "1",
		Slaves: []domain.NetVarSlave{{
			Address: testutil.Station(0),
			RxPDOs:  []domain.NetVarPDO{{Index: 0x1600, Entries: []domain.NetVar{{Index: 0x607A, Name: "target", Link: "%QD0"}}}},
			TxPDOs:  []domain.NetVarPDO{{Index: 0x1A00, Entries: []domain.NetVar{{Index: 0x6064, Name: "actual", Link: "%ID0"}}}},
		}},
	}
	m := newMaster(t, ring, drives(1), testConfig(), opts)
	startMaster(t, m)

	target := registry.MustAddress(registry.CategoryOutput, registry.TypeDWord, 0, 0)
	actual := registry.MustAddress(registry.CategoryInput, registry.TypeDWord, 0, 0)

	testutil.RequireNoError(t, store.Write(target, testutil.MustUint(t, domain.DataTypeUInt32, 1234)))
	testutil.WaitForCondition(t, func() bool {
		return binary.LittleEndian.Uint32(ring.Device(0).Memory(0x1802, 4)) == 1234
	}, waitTimeout, "%QD0 reaches the device")

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	testutil.RequireNoError(t, m.WriteRegisters(ctx, 0, 0x1A02, binary.LittleEndian.AppendUint32(nil, 5678)))
	testutil.WaitForCondition(t, func() bool {
		v, err := store.Read(actual)
		return err == nil && v.String() == "5678"
	}, waitTimeout, "device input reaches %ID0")
}

func TestMaster_WorkingCounterMismatch(t *testing.T) {
	ring := newRing(2)

	var mu sync.Mutex
	var wkcErrors int
	m := newMaster(t, ring, drives(2), testConfig(), testOptions(ring))
	m.SetErrorCallback(func(slave uint16, code domain.ErrorCode, message string) {
		if code == domain.CodeWorkingCounterError {
			mu.Lock()
			wkcErrors++
			mu.Unlock()
		}
	})
	startMaster(t, m)
	waitCycles(t, m, 5)

	// Outputs of device 1 are no longer accepted, so the counter drops by 2.
	ring.Device(1).BlockWrites(0x1800, 6)
	testutil.WaitForCondition(t, func() bool {
		return m.Statistics().WKCErrors >= 5
	}, waitTimeout, "working counter errors")

	mu.Lock()
	defer mu.Unlock()
	if wkcErrors < 5 {
		t.Errorf("working counter error callbacks = %d, want >= 5", wkcErrors)
	}
}

func TestMaster_ReconnectAfterLinkLoss(t *testing.T) {
	ring := newRing(2)
	cfg := testConfig()
	cfg.Cycle.WKCErrorThreshold = 3

	var mu sync.Mutex
	var states []domain.ConnectionState
	m := newMaster(t, ring, drives(2), cfg, testOptions(ring))
	m.SetStateCallback(func(s domain.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	m.SetupAutoReactions()
	startMaster(t, m)
	waitCycles(t, m, 5)

	ring.SetLinkDown(true)
	testutil.WaitForCondition(t, m.IsReconnecting, waitTimeout, "reconnect starts")
	ring.SetLinkDown(false)

	testutil.WaitForCondition(t, func() bool {
		return !m.IsReconnecting() && m.ConnectionState() == domain.ConnectionConnected
	}, waitTimeout, "connection restored")
	waitCycles(t, m, 10)

	mu.Lock()
	defer mu.Unlock()
	want := []domain.ConnectionState{
		domain.ConnectionConnecting,
		domain.ConnectionConnected,
		domain.ConnectionDisconnected,
		domain.ConnectionReconnecting,
		domain.ConnectionConnected,
	}
	next := 0
	for _, s := range states {
		if next < len(want) && s == want[next] {
			next++
		}
	}
	if next != len(want) {
		t.Errorf("state sequence = %v, want %v in order", states, want)
	}
}

func TestMaster_AutoRecovery(t *testing.T) {
	ring := newRing(2)
	m := newMaster(t, ring, drives(2), testConfig(), testOptions(ring))
	m.SetupAutoReactions()
	startMaster(t, m)
	waitCycles(t, m, 5)

	ring.Device(1).ForceState(domain.StateSafeOp|domain.StateErrorFlag, 0x001B)

	testutil.WaitForCondition(t, func() bool {
		s, err := m.SlaveState(1)
		return err == nil && s.Operational && ring.Device(1).State() == domain.StateOp
	}, waitTimeout, "device 1 recovered")

	if s := m.Statistics(); s.SlaveStateChanges == 0 {
		t.Error("SlaveStateChanges = 0, want > 0")
	}
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestMaster_Emergency(t *testing.T) {
	ring := newRing(1)
	m := newMaster(t, ring, drives(1), testConfig(), testOptions(ring))

	got := make(chan uint16, 1)
	m.SetEmergencyCallback(func(slave uint16, code uint16, message string) {
		select {
		case got <- code:
		default:
		}
	})
	startMaster(t, m)

	ring.Device(0).QueueEmergency(0x8110, 0)
	select {
	case code := <-got:
		if code != 0x8110 {
			t.Errorf("emergency code = 0x%04X, want 0x8110", code)
		}
	case <-time.After(waitTimeout):
		t.Fatal("emergency not delivered")
	}
}

func TestMaster_AcyclicAccess(t *testing.T) {
	ring := newRing(1)
	m := newMaster(t, ring, drives(1), testConfig(), testOptions(ring))

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	testutil.RequireNoError(t, m.Init(ctx))

	buf := make([]byte, 2)
	testutil.RequireNoError(t, m.ReadRegisters(ctx, 0, ecat.RegConfiguredStationAddress, buf))
	if got := binary.LittleEndian.Uint16(buf); got != testutil.Station(0) {
		t.Errorf("station address = %d, want %d", got, testutil.Station(0))
	}

	if err := m.ReadRegisters(ctx, 7, 0, buf); !errors.Is(err, domain.ErrInvalidSlave) {
		t.Errorf("ReadRegisters(7) error = %v, want %v", err, domain.ErrInvalidSlave)
	}

	err := m.WaitForState(ctx, 0, domain.StateOp, 20*time.Millisecond)
	if !errors.Is(err, domain.ErrStateTransitionTimeout) {
		t.Errorf("WaitForState() error = %v, want %v", err, domain.ErrStateTransitionTimeout)
	}
	testutil.RequireNoError(t, m.WaitForState(ctx, 0, domain.StateInit, 100*time.Millisecond))

	sm := domain.SyncManagerConfig{Index: 2, StartAddress: 0x1800, Length: 6, Control: 0x64, Enable: true, Type: domain.SyncManagerOutputs}
	testutil.RequireNoError(t, m.ConfigureSyncManager(ctx, 0, sm))
	raw := ring.Device(0).Memory(ecat.SyncManagerAddr(2), 2)
	if got := binary.LittleEndian.Uint16(raw); got != 0x1800 {
		t.Errorf("sync manager 2 start = 0x%04X, want 0x1800", got)
	}
}

func TestMaster_CalculateIOMapSize(t *testing.T) {
	ring := newRing(1)
	m := newMaster(t, ring, drives(2), testConfig(), testOptions(ring))
	size, err := m.CalculateIOMapSize()
	if err != nil || size != 24 {
		t.Errorf("CalculateIOMapSize() = %d, %v, want 24, nil", size, err)
	}

	overflow := drives(1)
	overflow[0].FMMUs[1].LogicalStart = 2046
	m = newMaster(t, ring, overflow, testConfig(), testOptions(ring))
	if _, err := m.CalculateIOMapSize(); !errors.Is(err, domain.ErrPDOOverflow) {
		t.Errorf("CalculateIOMapSize() error = %v, want %v", err, domain.ErrPDOOverflow)
	}
}

func TestMaster_AdaptiveCycleControls(t *testing.T) {
	ring := newRing(1)
	m := newMaster(t, ring, drives(1), testConfig(), testOptions(ring))

	if err := m.SetTargetCycleTime(5 * time.Millisecond); !errors.Is(err, domain.ErrInvalidParameter) {
		t.Errorf("SetTargetCycleTime(5ms) error = %v, want %v", err, domain.ErrInvalidParameter)
	}
	testutil.RequireNoError(t, m.SetTargetCycleTime(1500*time.Microsecond))
	if got := m.TargetCycleTime(); got != 1500*time.Microsecond {
		t.Errorf("TargetCycleTime() = %v, want 1.5ms", got)
	}

	startMaster(t, m)
	waitCycles(t, m, 20)
	cur := m.CurrentCycleTime()
	if cur < 500*time.Microsecond || cur > 2*time.Millisecond {
		t.Errorf("CurrentCycleTime() = %v, want within [500µs, 2ms]", cur)
	}
	if m.LastCycleDuration() <= 0 {
		t.Errorf("LastCycleDuration() = %v, want > 0", m.LastCycleDuration())
	}
}
