package dc_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/ecat-master/internal/dc"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/ecat/sim"
	"github.com/nexus-edge/ecat-master/testing/mocks"
	"github.com/nexus-edge/ecat-master/testing/testutil"
	"github.com/rs/zerolog"
)

const station = 1001

func settings() domain.DCSettings {
	return domain.DCSettings{
		SyncWindow: time.Microsecond,
		DriftCompensation: domain.DriftCompensation{
			Enabled:    true,
			MaxDriftNs: 1000,
			Interval:   time.Millisecond,
		},
	}
}

func mockWithFeatures(features uint16) *mocks.MockDeviceIO {
	io := mocks.NewMockDeviceIO()
	io.SetMemory(station, ecat.RegFeatures, binary.LittleEndian.AppendUint16(nil, features))
	return io
}

// clockRing returns a ring of n drives with a frozen reference clock and
// the given per-device clock errors.
func clockRing(t *testing.T, errorsNs ...int64) (*sim.Ring, *dc.Manager) {
	t.Helper()
	ring, bus := testutil.NewRing(t, len(errorsNs))
	testutil.AssignStations(t, bus, len(errorsNs))
	ring.SetClock(func() int64 { return 5_000_000_000 })
	for i, e := range errorsNs {
		ring.Device(i).SetClockError(e)
	}

	m := dc.NewManager(ecat.NewStationIO(bus), settings(), zerolog.Nop())
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	for i := range errorsNs {
		testutil.RequireNoError(t, m.Enable(ctx, testutil.Station(uint16(i)), true))
	}
	return ring, m
}

func TestManager_CheckDCSupport(t *testing.T) {
	tests := []struct {
		name     string
		features uint16
		want     bool
	}{
		{"supported", ecat.FeatureDCSupported | ecat.FeatureDC64BitSupport, true},
		{"unsupported", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := dc.NewManager(mockWithFeatures(tt.features), settings(), zerolog.Nop())
			got, err := m.CheckDCSupport(context.Background(), station)
			if err != nil {
				t.Fatalf("CheckDCSupport() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckDCSupport() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_EnableUnsupported(t *testing.T) {
	io := mockWithFeatures(0)
	m := dc.NewManager(io, settings(), zerolog.Nop())

	err := m.Configure(context.Background(), station, domain.DistributedClockConfig{Enabled: true, CycleTime: time.Millisecond})
	if !errors.Is(err, domain.ErrDCConfig) {
		t.Errorf("Configure() error = %v, want %v", err, domain.ErrDCConfig)
	}
	if domain.CodeOf(err) != domain.CodeDCConfigFailed {
		t.Errorf("CodeOf() = %v, want %v", domain.CodeOf(err), domain.CodeDCConfigFailed)
	}
	if io.WriteCount() != 0 {
		t.Errorf("writes = %d, want none", io.WriteCount())
	}
	if m.IsEnabled(station) {
		t.Error("IsEnabled() = true after failed configure")
	}
}

func TestManager_Configure(t *testing.T) {
	io := mockWithFeatures(ecat.FeatureDCSupported)
	m := dc.NewManager(io, settings(), zerolog.Nop())
	cfg := domain.DistributedClockConfig{Enabled: true, CycleTime: time.Millisecond, Activation: 0x0300}

	if err := m.Configure(context.Background(), station, cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if got := binary.LittleEndian.Uint32(io.Memory(station, ecat.RegDCSync0CycleTime, 4)); got != 1_000_000 {
		t.Errorf("sync0 cycle = %d, want 1000000", got)
	}
	if got := binary.LittleEndian.Uint16(io.Memory(station, ecat.RegDCCyclicUnitControl, 2)); got != 0x0300 {
		t.Errorf("activation = 0x%04X, want 0x0300", got)
	}
	if !m.IsEnabled(station) {
		t.Error("IsEnabled() = false, want true")
	}
	if ref, ok := m.Reference(); !ok || ref != station {
		t.Errorf("Reference() = %d, %v, want %d", ref, ok, station)
	}

	if err := m.Configure(context.Background(), station, domain.DistributedClockConfig{}); err != nil {
		t.Fatalf("Configure(disabled) error = %v", err)
	}
	if m.IsEnabled(station) {
		t.Error("IsEnabled() = true after disabling")
	}
}

func TestManager_ClockDifference(t *testing.T) {
	_, m := clockRing(t, 0, 2500)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	diff, err := m.ClockDifference(ctx, testutil.Station(1))
	if err != nil {
		t.Fatalf("ClockDifference() error = %v", err)
	}
	if diff != 2500 {
		t.Errorf("ClockDifference() = %d, want 2500", diff)
	}
	sys, err := m.SystemTime(ctx)
	if err != nil {
		t.Fatalf("SystemTime() error = %v", err)
	}
	if sys != 5_000_000_000 {
		t.Errorf("SystemTime() = %d, want 5000000000", sys)
	}
}

func TestManager_CalibrateClocks(t *testing.T) {
	ring, m := clockRing(t, 0, 40000, -7000)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	if err := m.CalibrateClocks(ctx); err != nil {
		t.Fatalf("CalibrateClocks() error = %v", err)
	}
	for i := uint16(1); i < 3; i++ {
		diff, err := m.ClockDifference(ctx, testutil.Station(i))
		if err != nil {
			t.Fatalf("ClockDifference() error = %v", err)
		}
		if diff != 0 {
			t.Errorf("station %d difference after calibration = %d, want 0", testutil.Station(i), diff)
		}
	}
	if off := ring.Device(1).SystemTimeOffset(); off != -40000 {
		t.Errorf("offset of device 1 = %d, want -40000", off)
	}
}

func TestManager_DriftCompensationIsBoundedAndConverges(t *testing.T) {
	_, m := clockRing(t, 0, 5000, -2500)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	testutil.RequireNoError(t, m.StartSync())

	last := map[uint16]int64{testutil.Station(1): 5000, testutil.Station(2): 2500}
	for pass := 0; pass < 8; pass++ {
		for _, c := range m.CompensateDrift(ctx) {
			if c.AppliedNs > 1000 || c.AppliedNs < -1000 {
				t.Fatalf("pass %d: correction %d exceeds max drift", pass, c.AppliedNs)
			}
			if abs(c.DifferenceNs) > last[c.Station] {
				t.Errorf("pass %d: station %d difference grew to %d", pass, c.Station, c.DifferenceNs)
			}
			last[c.Station] = abs(c.DifferenceNs)
		}
	}

	for i := uint16(1); i < 3; i++ {
		diff, err := m.ClockDifference(ctx, testutil.Station(i))
		if err != nil {
			t.Fatalf("ClockDifference() error = %v", err)
		}
		if diff != 0 {
			t.Errorf("station %d difference = %d, want 0", testutil.Station(i), diff)
		}
	}

	// One more pass records the converged state.
	if c := m.CompensateDrift(ctx); len(c) != 0 {
		t.Errorf("CompensateDrift() after convergence = %+v, want no corrections", c)
	}
	for i := uint16(0); i < 3; i++ {
		if !m.IsSynced(testutil.Station(i)) {
			t.Errorf("IsSynced(%d) = false after convergence", testutil.Station(i))
		}
	}
	if m.SyncErrors() == 0 {
		t.Error("SyncErrors() = 0, want the initial out-of-window passes counted")
	}
}

func TestManager_DriftCompensationStepSizes(t *testing.T) {
	tests := []struct {
		name        string
		clockError  int64
		wantApplied []int64
	}{
		{"below max drift", 300, []int64{-300}},
		{"at max drift", 1000, []int64{-1000}},
		{"above max drift", 2500, []int64{-1000, -1000, -500}},
		{"negative", -1200, []int64{1000, 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, m := clockRing(t, 0, tt.clockError)
			ctx, cancel := testutil.ContextWithTimeout(t)
			defer cancel()
			testutil.RequireNoError(t, m.StartSync())

			var applied []int64
			for pass := 0; pass < 5; pass++ {
				for _, c := range m.CompensateDrift(ctx) {
					applied = append(applied, c.AppliedNs)
				}
			}
			if len(applied) != len(tt.wantApplied) {
				t.Fatalf("corrections = %v, want %v", applied, tt.wantApplied)
			}
			for i := range applied {
				if applied[i] != tt.wantApplied[i] {
					t.Errorf("correction %d = %d, want %d", i, applied[i], tt.wantApplied[i])
				}
			}
		})
	}
}

func TestManager_DriftCompensationInactive(t *testing.T) {
	_, m := clockRing(t, 0, 5000)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	if c := m.CompensateDrift(ctx); c != nil {
		t.Errorf("CompensateDrift() before StartSync = %+v, want nil", c)
	}
	testutil.RequireNoError(t, m.StartSync())
	testutil.RequireNoError(t, m.EnableDriftCompensation(false, 0, 0))
	if c := m.CompensateDrift(ctx); c != nil {
		t.Errorf("CompensateDrift() while disabled = %+v, want nil", c)
	}
	if err := m.EnableDriftCompensation(true, 0, 0); !errors.Is(err, domain.ErrInvalidParameter) {
		t.Errorf("EnableDriftCompensation(max 0) error = %v, want %v", err, domain.ErrInvalidParameter)
	}
}

func TestManager_SyncLostHandler(t *testing.T) {
	_, m := clockRing(t, 0, 3000)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	var lost []uint16
	m.SetSyncLostHandler(func(station uint16, diff int64) {
		lost = append(lost, station)
	})
	if err := m.Sync(ctx, time.Microsecond); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(lost) != 1 || lost[0] != testutil.Station(1) {
		t.Errorf("sync lost for %v, want [%d]", lost, testutil.Station(1))
	}
	if m.IsSynced(testutil.Station(1)) {
		t.Error("IsSynced() = true for a device 3us off")
	}
	if !m.IsSynced(testutil.Station(0)) {
		t.Error("IsSynced() = false for the reference")
	}

	m.StopSync()
	if m.IsSynced(testutil.Station(0)) || m.IsActive() {
		t.Error("StopSync() left devices synced or sync active")
	}
}

func TestManager_StartSyncWithoutClocks(t *testing.T) {
	m := dc.NewManager(mocks.NewMockDeviceIO(), settings(), zerolog.Nop())
	if err := m.StartSync(); !errors.Is(err, domain.ErrDCConfig) {
		t.Errorf("StartSync() error = %v, want %v", err, domain.ErrDCConfig)
	}
}

func TestManager_DriftWorker(t *testing.T) {
	ring, m := clockRing(t, 0, 4000)
	testutil.RequireNoError(t, m.StartSync())

	w := m.NewDriftWorker(zerolog.Nop())
	testutil.RequireNoError(t, w.Start(context.Background()))
	testutil.WaitForCondition(t, func() bool {
		return ring.Device(1).SystemTimeOffset() == -4000
	}, 2*time.Second, "drift worker did not converge")

	if err := w.Stop(time.Second); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
