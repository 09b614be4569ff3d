// Package dc manages the distributed clocks of the ring: enabling and
// programming SYNC0 per device, the initial offset calibration and the
// continuous drift compensation.
package dc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/worker"
	"github.com/rs/zerolog"
)

// startLead is how far in the future SYNC0 is armed.
const startLead = 100 * time.Millisecond

// SyncLostHandler is called from the drift worker when a device leaves the
// synchronization window.
type SyncLostHandler func(station uint16, differenceNs int64)

type clock struct {
	cfg     domain.DistributedClockConfig
	enabled bool
	synced  bool
	lastDif int64
}

// Correction is one offset adjustment made by the drift worker.
type Correction struct {
	Station      uint16
	DifferenceNs int64
	AppliedNs    int64
}

// Manager tracks the DC state of every device. The first enabled device is
// the reference clock.
type Manager struct {
	io     domain.DeviceIO
	logger zerolog.Logger

	mu         sync.Mutex
	clocks     map[uint16]*clock
	order      []uint16
	syncWindow time.Duration
	active     bool
	drift      domain.DriftCompensation
	onSyncLost SyncLostHandler
	onAdjust   func(Correction)

	syncErrors atomic.Uint64
}

// NewManager creates a Manager with the given ring-wide settings.
func NewManager(io domain.DeviceIO, settings domain.DCSettings, logger zerolog.Logger) *Manager {
	return &Manager{
		io:         io,
		logger:     logger.With().Str("component", "dc-manager").Logger(),
		clocks:     make(map[uint16]*clock),
		syncWindow: settings.SyncWindow,
		drift:      settings.DriftCompensation,
	}
}

// SetSyncLostHandler installs the handler for sync loss.
func (m *Manager) SetSyncLostHandler(h SyncLostHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSyncLost = h
}

// SetCorrectionHandler installs a hook observing every drift correction.
func (m *Manager) SetCorrectionHandler(h func(Correction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAdjust = h
}

// SyncErrors returns the number of times a device was found outside the
// synchronization window.
func (m *Manager) SyncErrors() uint64 {
	return m.syncErrors.Load()
}

// CheckDCSupport reads the feature register of a device.
func (m *Manager) CheckDCSupport(ctx context.Context, station uint16) (bool, error) {
	buf := make([]byte, 2)
	if err := m.io.ReadRegister(ctx, station, ecat.RegFeatures, buf); err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint16(buf)&ecat.FeatureDCSupported != 0, nil
}

// Enable turns DC handling for a device on or off. Enabling a device without
// DC support fails with ErrDCConfig.
func (m *Manager) Enable(ctx context.Context, station uint16, enable bool) error {
	if enable {
		ok, err := m.CheckDCSupport(ctx, station)
		if err != nil {
			return fmt.Errorf("%w: station %d: %v", domain.ErrDCConfig, station, err)
		}
		if !ok {
			return fmt.Errorf("%w: station %d has no distributed clock", domain.ErrDCConfig, station)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.clockLocked(station)
	c.enabled = enable
	if !enable {
		c.synced = false
	}
	return nil
}

func (m *Manager) clockLocked(station uint16) *clock {
	c, ok := m.clocks[station]
	if !ok {
		c = &clock{}
		m.clocks[station] = c
		m.order = append(m.order, station)
	}
	return c
}

// IsEnabled reports whether DC is enabled for a device.
func (m *Manager) IsEnabled(station uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clocks[station]
	return ok && c.enabled
}

// Reference returns the station of the reference clock.
func (m *Manager) Reference() (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.referenceLocked()
}

func (m *Manager) referenceLocked() (uint16, bool) {
	for _, s := range m.order {
		if m.clocks[s].enabled {
			return s, true
		}
	}
	return 0, false
}

// Configure enables DC on a device and programs its SYNC0 cycle, activation
// and start time. A disabled configuration turns DC off for the device.
func (m *Manager) Configure(ctx context.Context, station uint16, cfg domain.DistributedClockConfig) error {
	if !cfg.Enabled {
		return m.Enable(ctx, station, false)
	}
	if cfg.CycleTime <= 0 {
		return fmt.Errorf("%w: station %d cycle time must be positive", domain.ErrDCConfig, station)
	}
	if err := m.Enable(ctx, station, true); err != nil {
		return err
	}

	fail := func(what string, err error) error {
		return fmt.Errorf("%w: station %d %s: %v", domain.ErrDCConfig, station, what, err)
	}

	// Deactivate before reprogramming the cycle.
	if err := m.io.WriteRegister(ctx, station, ecat.RegDCCyclicUnitControl, []byte{0, 0}); err != nil {
		return fail("deactivate", err)
	}
	cycle := binary.LittleEndian.AppendUint32(nil, uint32(cfg.CycleTime.Nanoseconds()))
	if err := m.io.WriteRegister(ctx, station, ecat.RegDCSync0CycleTime, cycle); err != nil {
		return fail("cycle time", err)
	}
	now, err := m.SlaveClock(ctx, station)
	if err != nil {
		return fail("system time", err)
	}
	start := now + startLead.Nanoseconds() + cfg.ShiftTime.Nanoseconds()
	if err := m.io.WriteRegister(ctx, station, ecat.RegDCStartTime, binary.LittleEndian.AppendUint64(nil, uint64(start))); err != nil {
		return fail("start time", err)
	}
	if err := m.io.WriteRegister(ctx, station, ecat.RegDCCyclicUnitControl, binary.LittleEndian.AppendUint16(nil, cfg.Activation)); err != nil {
		return fail("activation", err)
	}

	m.mu.Lock()
	m.clocks[station].cfg = cfg
	m.mu.Unlock()

	m.logger.Debug().
		Uint16("station", station).
		Dur("cycle_time", cfg.CycleTime).
		Dur("shift_time", cfg.ShiftTime).
		Msg("Distributed clock configured")
	return nil
}

// Config returns the DC configuration applied to a device.
func (m *Manager) Config(station uint16) (domain.DistributedClockConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clocks[station]
	if !ok {
		return domain.DistributedClockConfig{}, false
	}
	return c.cfg, true
}

// Sync sets the synchronization window and runs one measurement pass,
// updating the synced flag of every enabled device.
func (m *Manager) Sync(ctx context.Context, window time.Duration) error {
	if window <= 0 {
		return fmt.Errorf("%w: sync window must be positive", domain.ErrInvalidParameter)
	}
	m.mu.Lock()
	m.syncWindow = window
	m.mu.Unlock()

	for _, station := range m.enabledStations() {
		diff, err := m.ClockDifference(ctx, station)
		if err != nil {
			return err
		}
		m.record(station, diff)
	}
	return nil
}

// SyncWindow returns the synchronization window.
func (m *Manager) SyncWindow() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncWindow
}

// SlaveClock reads the system time register of a device.
func (m *Manager) SlaveClock(ctx context.Context, station uint16) (int64, error) {
	buf := make([]byte, 8)
	if err := m.io.ReadRegister(ctx, station, ecat.RegDCSystemTime, buf); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

// SystemTime reads the reference clock.
func (m *Manager) SystemTime(ctx context.Context) (int64, error) {
	ref, ok := m.Reference()
	if !ok {
		return 0, fmt.Errorf("%w: no reference clock", domain.ErrDCConfig)
	}
	return m.SlaveClock(ctx, ref)
}

// ClockDifference returns the device clock minus the reference clock in
// nanoseconds.
func (m *Manager) ClockDifference(ctx context.Context, station uint16) (int64, error) {
	ref, err := m.SystemTime(ctx)
	if err != nil {
		return 0, err
	}
	local, err := m.SlaveClock(ctx, station)
	if err != nil {
		return 0, err
	}
	return local - ref, nil
}

// AdjustClockOffset adds correctionNs to the system time offset of a device.
func (m *Manager) AdjustClockOffset(ctx context.Context, station uint16, correctionNs int64) error {
	buf := make([]byte, 8)
	if err := m.io.ReadRegister(ctx, station, ecat.RegDCSystemTimeOffset, buf); err != nil {
		return err
	}
	offset := int64(binary.LittleEndian.Uint64(buf)) + correctionNs
	binary.LittleEndian.PutUint64(buf, uint64(offset))
	return m.io.WriteRegister(ctx, station, ecat.RegDCSystemTimeOffset, buf)
}

// CalibrateClocks measures every enabled device against the reference and
// removes the whole offset in one step. It runs before the ring reaches OP,
// when no device uses the clock yet.
func (m *Manager) CalibrateClocks(ctx context.Context) error {
	ref, ok := m.Reference()
	if !ok {
		return nil
	}
	for _, station := range m.enabledStations() {
		if station == ref {
			continue
		}
		diff, err := m.ClockDifference(ctx, station)
		if err != nil {
			return fmt.Errorf("%w: calibrate station %d: %v", domain.ErrDCConfig, station, err)
		}
		if diff == 0 {
			continue
		}
		if err := m.AdjustClockOffset(ctx, station, -diff); err != nil {
			return fmt.Errorf("%w: calibrate station %d: %v", domain.ErrDCConfig, station, err)
		}
		m.logger.Debug().Uint16("station", station).Int64("offset_ns", -diff).Msg("Clock calibrated")
	}
	return nil
}

// StartSync activates synchronization. At least one device must have DC
// enabled.
func (m *Manager) StartSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.referenceLocked(); !ok {
		return fmt.Errorf("%w: no device has a distributed clock enabled", domain.ErrDCConfig)
	}
	m.active = true
	return nil
}

// StopSync deactivates synchronization and clears the synced flags.
func (m *Manager) StopSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	for _, c := range m.clocks {
		c.synced = false
	}
}

// IsActive reports whether synchronization is active.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IsSynced reports whether a device was inside the window at its last
// measurement.
func (m *Manager) IsSynced(station uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clocks[station]
	return ok && c.enabled && c.synced
}

// LastDifference returns the last measured difference of a device.
func (m *Manager) LastDifference(station uint16) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clocks[station]; ok {
		return c.lastDif
	}
	return 0
}

// EnableDriftCompensation changes the drift compensation settings.
func (m *Manager) EnableDriftCompensation(enable bool, maxDriftNs int64, interval time.Duration) error {
	if enable && maxDriftNs <= 0 {
		return fmt.Errorf("%w: max drift must be positive", domain.ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drift.Enabled = enable
	if maxDriftNs > 0 {
		m.drift.MaxDriftNs = maxDriftNs
	}
	if interval > 0 {
		m.drift.Interval = interval
	}
	return nil
}

// DriftCompensation returns the current drift compensation settings.
func (m *Manager) DriftCompensation() domain.DriftCompensation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drift
}

func (m *Manager) enabledStations() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint16, 0, len(m.order))
	for _, s := range m.order {
		if m.clocks[s].enabled {
			out = append(out, s)
		}
	}
	return out
}

// record stores a measurement and reports whether the device is in the
// window.
func (m *Manager) record(station uint16, diff int64) bool {
	m.mu.Lock()
	c := m.clocks[station]
	c.lastDif = diff
	window := m.syncWindow.Nanoseconds()
	inWindow := window <= 0 || abs(diff) <= window
	wasSynced := c.synced
	c.synced = inWindow
	handler := m.onSyncLost
	m.mu.Unlock()

	if !inWindow {
		m.syncErrors.Add(1)
		if wasSynced {
			m.logger.Warn().Uint16("station", station).Int64("difference_ns", diff).Msg("Distributed clock left sync window")
		}
		if handler != nil {
			handler(station, diff)
		}
	}
	return inWindow
}

// CompensateDrift runs one compensation pass. Each device outside the
// reference gets a correction of at most MaxDriftNs towards zero difference.
// Differences below MaxDriftNs are corrected in full, larger ones in steps of
// MaxDriftNs over successive passes.
func (m *Manager) CompensateDrift(ctx context.Context) []Correction {
	m.mu.Lock()
	settings := m.drift
	active := m.active
	ref, hasRef := m.referenceLocked()
	onAdjust := m.onAdjust
	m.mu.Unlock()

	if !settings.Enabled || !active || !hasRef {
		return nil
	}

	var corrections []Correction
	for _, station := range m.enabledStations() {
		if station == ref {
			m.record(station, 0)
			continue
		}
		diff, err := m.ClockDifference(ctx, station)
		if err != nil {
			m.logger.Debug().Err(err).Uint16("station", station).Msg("Clock difference read failed")
			continue
		}
		m.record(station, diff)
		if diff == 0 {
			continue
		}

		correction := clamp(-diff, settings.MaxDriftNs)
		if err := m.AdjustClockOffset(ctx, station, correction); err != nil {
			m.logger.Debug().Err(err).Uint16("station", station).Msg("Clock offset adjustment failed")
			continue
		}
		c := Correction{Station: station, DifferenceNs: diff, AppliedNs: correction}
		corrections = append(corrections, c)
		if onAdjust != nil {
			onAdjust(c)
		}
	}
	return corrections
}

// NewDriftWorker returns the background worker that runs CompensateDrift on
// the configured interval.
func (m *Manager) NewDriftWorker(logger zerolog.Logger) *worker.Worker {
	interval := func() time.Duration {
		d := m.DriftCompensation().Interval
		if d <= 0 {
			d = 10 * time.Second
		}
		return d
	}
	return worker.New("dc-drift", worker.Ticker(interval, func(ctx context.Context) {
		m.CompensateDrift(ctx)
	}), logger)
}

func clamp(v, limit int64) int64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
