// Package master drives a ring of devices: discovery, per-device
// configuration through the state machine, the cyclic process data exchange
// and the supervision that keeps the ring operational.
package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-edge/ecat-master/internal/dc"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/fmmu"
	"github.com/nexus-edge/ecat-master/internal/mailbox"
	"github.com/nexus-edge/ecat-master/internal/metrics"
	"github.com/nexus-edge/ecat-master/internal/monitoring"
	"github.com/nexus-edge/ecat-master/internal/pdo"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/nexus-edge/ecat-master/internal/sdo"
	"github.com/nexus-edge/ecat-master/internal/syncmanager"
	"github.com/nexus-edge/ecat-master/internal/worker"
	"github.com/rs/zerolog"
)

// Registers is the register store the master binds network variables to.
type Registers interface {
	Read(a registry.Address) (domain.Value, error)
	Write(a registry.Address, v domain.Value) error
}

// Options holds the collaborators of a Master.
type Options struct {
	// Dial opens the link to the ring. It is called once by Init.
	Dial func(ctx context.Context) (ecat.Link, error)

	Bus        ecat.BusConfig
	Monitoring monitoring.Config
	SDO        sdo.Config

	// Registers and Variables are optional. Without them no PDO entry is
	// bound to a register.
	Registers Registers
	Variables *domain.NetworkVariablesConfig

	// Metrics is optional.
	Metrics *metrics.Registry

	ImageSize       int
	ShutdownTimeout time.Duration
}

// Master owns the ring.
type Master struct {
	config  domain.MasterConfig
	slaves  []domain.SlaveConfig
	opts    Options
	logger  zerolog.Logger
	session string

	registers Registers
	metrics   *metrics.Registry

	io    *countingIO
	image *pdo.Image
	sm    *syncmanager.Manager
	fmmu  *fmmu.Manager
	mbx   *mailbox.Manager
	sdo   *sdo.Manager
	pdo   *pdo.Manager
	dc    *dc.Manager
	mon   *monitoring.Manager

	timing   *CycleController
	plan     atomic.Pointer[cyclePlan]
	frameBuf []byte
	running  atomic.Bool
	ready    atomic.Bool

	// mu guards the lifecycle.
	mu        sync.Mutex
	bus       *ecat.Bus
	workers   *worker.Group
	cancelRun context.CancelFunc

	// cfgMu serializes configuration sequences (start, restore, reconnect).
	cfgMu sync.Mutex

	stateMu     sync.RWMutex
	present     int
	operational map[uint16]bool
	runCtx      context.Context
	eventHook   func(domain.Event)
	logCallback domain.LogCallback
}

// New validates the ring description and creates a Master. Nothing touches
// the ring until Init.
func New(config domain.MasterConfig, slaves []domain.SlaveConfig, opts Options, logger zerolog.Logger) (*Master, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("%w: no link dialer", domain.ErrInvalidParameter)
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = pdo.DefaultImageSize
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Bus.FrameTimeout <= 0 {
		opts.Bus.FrameTimeout = config.Network.FrameTimeout
		opts.Bus.Retries = config.Network.FrameRetries
	}
	if opts.Monitoring.Interval <= 0 {
		opts.Monitoring = monitoring.DefaultConfig()
	}
	opts.Monitoring.WKCErrorThreshold = config.Cycle.WKCErrorThreshold
	opts.Monitoring.CycleBudget = config.Cycle.MaxCycleTime

	ring := make([]domain.SlaveConfig, len(slaves))
	copy(ring, slaves)
	sort.Slice(ring, func(i, j int) bool { return ring[i].Position < ring[j].Position })

	seen := make(map[uint16]bool, len(ring))
	for i := range ring {
		if err := ring[i].Validate(); err != nil {
			return nil, err
		}
		if seen[ring[i].Address] {
			return nil, fmt.Errorf("%w: station %d", domain.ErrDuplicateSlaveAddress, ring[i].Address)
		}
		seen[ring[i].Address] = true
	}

	m := &Master{
		config:      config,
		slaves:      ring,
		opts:        opts,
		session:     uuid.NewString(),
		registers:   opts.Registers,
		metrics:     opts.Metrics,
		io:          newCountingIO(nil),
		image:       pdo.NewImage(opts.ImageSize),
		frameBuf:    make([]byte, opts.ImageSize),
		timing:      NewCycleController(config.Cycle),
		operational: make(map[uint16]bool, len(ring)),
	}
	m.logger = logger.With().Str("component", "master").Str("session", m.session).Logger()

	m.sm = syncmanager.NewManager(m.io, logger)
	m.fmmu = fmmu.NewManager(m.io, opts.ImageSize, logger)
	m.mbx = mailbox.NewManager(m.io, logger)
	m.sdo = sdo.NewManager(m.mbx, opts.SDO, logger)
	m.pdo = pdo.NewManager(m.sdo, m.fmmu, m.image, logger)
	m.dc = dc.NewManager(m.io, config.DC, logger)
	m.mon = monitoring.NewManager(m, opts.Monitoring, opts.Metrics, logger)

	for i := range ring {
		cfg := &ring[i]
		m.sm.Register(cfg.Address, cfg.SyncManagerCount())
		m.fmmu.Register(cfg.Address, cfg.FMMUCount())
		m.mon.RegisterSlave(domain.SlaveState{
			Position: cfg.Position,
			Address:  cfg.Address,
			Name:     cfg.Name(),
		})
	}

	m.wire()
	return m, nil
}

// wire connects the managers' notifications to monitoring and metrics.
func (m *Master) wire() {
	m.mbx.SetEmergencyCallback(func(slave uint16, code uint16, message string) {
		m.mon.ReportEmergency(slave, code, message)
	})
	m.sdo.SetObserver(func(station uint16, write bool, err error) {
		m.mon.AddSDOOperation()
		if m.metrics != nil {
			m.metrics.RecordSDO(write, err == nil)
		}
		if errors.Is(err, domain.ErrMailboxTimeout) {
			m.mon.Emit(domain.EventSDOTimeout, station, err.Error())
		}
	})
	m.dc.SetSyncLostHandler(func(station uint16, differenceNs int64) {
		m.mon.AddDCSyncError()
		m.mon.Emit(domain.EventDCSyncLost, station, fmt.Sprintf("clock difference %d ns outside sync window", differenceNs))
	})
	m.dc.SetCorrectionHandler(func(c dc.Correction) {
		if m.metrics != nil {
			m.metrics.RecordDCCorrection(c.Station, c.DifferenceNs)
		}
	})
	m.mon.SetEventHandler(m.onEvent)
}

// Session returns the unique id of this master instance.
func (m *Master) Session() string { return m.session }

// Config returns the ring-wide configuration.
func (m *Master) Config() domain.MasterConfig { return m.config }

// Slaves returns the configured devices in ring order.
func (m *Master) Slaves() []domain.SlaveConfig {
	out := make([]domain.SlaveConfig, len(m.slaves))
	copy(out, m.slaves)
	return out
}

// Init opens the link, counts the devices on the ring, resets them to INIT
// and assigns the configured station addresses.
func (m *Master) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready.Load() {
		return nil
	}

	m.mon.SetConnectionState(domain.ConnectionConnecting)
	link, err := m.opts.Dial(ctx)
	if err != nil {
		m.mon.SetConnectionState(domain.ConnectionError)
		return fmt.Errorf("%w: %v", domain.ErrNetworkInitFailed, err)
	}
	m.bus = ecat.NewBus(link, m.opts.Bus, m.logger)
	m.io.inner = ecat.NewStationIO(m.bus)

	m.cfgMu.Lock()
	err = m.discover(ctx)
	m.cfgMu.Unlock()
	if err != nil {
		m.mon.SetConnectionState(domain.ConnectionError)
		m.mon.ReportError(0, domain.CodeOf(err), err.Error())
		return err
	}

	m.ready.Store(true)
	m.notice(fmt.Sprintf("Master initialized with %d device(s) on the ring", m.presentCount()))
	return nil
}

// discover counts the devices and assigns station addresses. Configured
// positions beyond the end of the ring are marked failed. Callers hold cfgMu.
func (m *Master) discover(ctx context.Context) error {
	count, err := m.bus.BRD(ctx, ecat.RegType, make([]byte, 1))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetworkInitFailed, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %w", domain.ErrNetworkInitFailed, domain.ErrNoSlaves)
	}

	m.stateMu.Lock()
	m.present = int(count)
	m.stateMu.Unlock()

	reset := binary.LittleEndian.AppendUint16(nil, uint16(domain.StateInit|domain.StateErrorFlag))
	if _, err := m.bus.BWR(ctx, ecat.RegALControl, reset); err != nil {
		return fmt.Errorf("%w: reset to INIT: %v", domain.ErrNetworkInitFailed, err)
	}

	for i := range m.slaves {
		cfg := &m.slaves[i]
		if int(cfg.Position) >= int(count) {
			m.slaveFailed(cfg, domain.StepNone, fmt.Errorf("%w: position %d not present (%d device(s) found)",
				domain.ErrInvalidSlave, cfg.Position, count))
			continue
		}
		addr := binary.LittleEndian.AppendUint16(nil, cfg.Address)
		if err := m.bus.APWR(ctx, cfg.Position, ecat.RegConfiguredStationAddress, addr); err != nil {
			return fmt.Errorf("%w: assign station %d: %v", domain.ErrNetworkInitFailed, cfg.Address, err)
		}
	}

	m.logger.Info().Int("found", int(count)).Int("configured", len(m.slaves)).Msg("Ring discovered")
	return nil
}

// Start configures every device, brings the ring to OP and starts the
// cyclic, monitoring and drift workers. A device that fails configuration is
// recorded and skipped; Start fails only when no device reaches OP.
func (m *Master) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready.Load() {
		return fmt.Errorf("%w: master not initialized", domain.ErrInvalidOperation)
	}
	if m.running.Load() {
		return domain.ErrAlreadyRunning
	}
	if _, err := m.CalculateIOMapSize(); err != nil {
		return err
	}

	m.cfgMu.Lock()
	stations := m.bringUp(ctx)
	m.cfgMu.Unlock()
	if len(stations) == 0 {
		m.mon.SetConnectionState(domain.ConnectionError)
		return fmt.Errorf("%w: no device reached OP", domain.ErrSlaveConfigFailed)
	}
	m.plan.Store(m.buildPlan(stations))

	runCtx, cancel := context.WithCancel(context.Background())
	m.stateMu.Lock()
	m.runCtx = runCtx
	m.stateMu.Unlock()
	m.cancelRun = cancel
	m.workers = &worker.Group{}
	m.running.Store(true)

	cycle := worker.New("cycle", m.cycleLoop, m.logger)
	if err := cycle.Start(runCtx); err != nil {
		m.abortStart()
		return err
	}
	m.workers.Add(cycle)

	if m.dc.IsActive() {
		drift := m.dc.NewDriftWorker(m.logger)
		if err := drift.Start(runCtx); err != nil {
			m.abortStart()
			return err
		}
		m.workers.Add(drift)
	}

	if err := m.mon.Start(runCtx); err != nil {
		m.abortStart()
		return err
	}

	m.mon.SetConnectionState(domain.ConnectionConnected)
	m.notice(fmt.Sprintf("Master started with %d of %d device(s) operational", len(stations), len(m.slaves)))
	return nil
}

func (m *Master) abortStart() {
	m.running.Store(false)
	m.cancelRun()
	_ = m.workers.StopAll(m.opts.ShutdownTimeout)
	m.plan.Store(nil)
}

// bringUp runs the configuration sequence of every present device, starts
// the distributed clocks and moves the configured devices to OP. It returns
// the stations now operational. Callers hold cfgMu.
func (m *Master) bringUp(ctx context.Context) []uint16 {
	m.dc.StopSync()

	var ready []*domain.SlaveConfig
	for i := range m.slaves {
		cfg := &m.slaves[i]
		m.setOperational(cfg.Address, false)
		if !m.isPresent(cfg) {
			continue
		}
		if step, err := m.configureSlave(ctx, cfg); err != nil {
			m.slaveFailed(cfg, step, err)
			continue
		}
		ready = append(ready, cfg)
	}

	m.startClocks(ctx, ready)

	var stations []uint16
	for _, cfg := range ready {
		if step, err := m.enterOperational(ctx, cfg); err != nil {
			m.slaveFailed(cfg, step, err)
			continue
		}
		stations = append(stations, cfg.Address)
	}
	return stations
}

// startClocks runs the ring-wide distributed clock sequence when any of the
// devices has DC enabled. Failures are reported but do not stop the ring.
func (m *Master) startClocks(ctx context.Context, ready []*domain.SlaveConfig) {
	enabled := false
	for _, cfg := range ready {
		enabled = enabled || cfg.DC.Enabled
	}
	if !enabled {
		return
	}

	fail := func(err error) {
		m.logger.Warn().Err(err).Msg("Distributed clock startup failed")
		m.mon.ReportError(0, domain.CodeDCConfigFailed, err.Error())
	}
	if err := m.dc.CalibrateClocks(ctx); err != nil {
		fail(err)
		return
	}
	if err := m.dc.Sync(ctx, m.config.DC.SyncWindow); err != nil {
		fail(err)
		return
	}
	if err := m.dc.StartSync(); err != nil {
		fail(err)
		return
	}
	drift := m.config.DC.DriftCompensation
	if err := m.dc.EnableDriftCompensation(drift.Enabled, drift.MaxDriftNs, drift.Interval); err != nil {
		fail(err)
	}
}

// Stop joins the workers, returns the ring to INIT and marks the connection
// disconnected. Stopping a stopped master is a no-op.
func (m *Master) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)
	m.cancelRun()

	var errs []error
	if err := m.workers.StopAll(m.opts.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := m.mon.Stop(m.opts.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	m.plan.Store(nil)
	m.dc.StopSync()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.StateTimeout)
	defer cancel()
	reset := binary.LittleEndian.AppendUint16(nil, uint16(domain.StateInit|domain.StateErrorFlag))
	if _, err := m.bus.BWR(ctx, ecat.RegALControl, reset); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to return ring to INIT")
	}
	for i := range m.slaves {
		m.setOperational(m.slaves[i].Address, false)
	}

	m.mon.SetConnectionState(domain.ConnectionDisconnected)
	m.notice("Master stopped")
	return errors.Join(errs...)
}

// Close stops the master and closes the link.
func (m *Master) Close() error {
	err := m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus != nil {
		if cerr := m.bus.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	m.ready.Store(false)
	return err
}

// IsRunning reports whether the cyclic exchange is running.
func (m *Master) IsRunning() bool { return m.running.Load() }

// BusStats returns the frame level counters.
func (m *Master) BusStats() ecat.BusStatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil {
		return ecat.BusStatsSnapshot{}
	}
	return m.bus.Stats()
}

func (m *Master) runContext() context.Context {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.runCtx == nil {
		return context.Background()
	}
	return m.runCtx
}

func (m *Master) presentCount() int {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.present
}

func (m *Master) isPresent(cfg *domain.SlaveConfig) bool {
	return int(cfg.Position) < m.presentCount()
}

func (m *Master) isOperational(station uint16) bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.operational[station]
}

func (m *Master) setOperational(station uint16, on bool) {
	m.stateMu.Lock()
	m.operational[station] = on
	n := 0
	for _, v := range m.operational {
		if v {
			n++
		}
	}
	m.stateMu.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateSlaveCount(len(m.slaves), n)
	}
}

// operationalStations returns the operational stations in ring order.
func (m *Master) operationalStations() []uint16 {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	var out []uint16
	for i := range m.slaves {
		if m.operational[m.slaves[i].Address] {
			out = append(out, m.slaves[i].Address)
		}
	}
	return out
}

// replan swaps in a plan for the current operational set while running.
func (m *Master) replan() {
	if !m.running.Load() {
		return
	}
	m.plan.Store(m.buildPlan(m.operationalStations()))
}

// slaveFailed records a configuration failure on the device and reports it.
func (m *Master) slaveFailed(cfg *domain.SlaveConfig, step domain.ConfigStep, err error) {
	code := domain.CodeOf(err)
	_ = m.mon.UpdateSlave(cfg.Address, func(s *domain.SlaveState) {
		s.FailedStep = step
		s.LastError = err.Error()
		s.Operational = false
		s.ErrorCount++
	})
	m.setOperational(cfg.Address, false)

	slaveLog := m.slaveLogger(cfg)
	slaveLog.Error().Err(err).Str("step", string(step)).Str("code", code.String()).Msg("Slave configuration failed")
	m.mon.ReportError(cfg.Address, code, fmt.Sprintf("%s: %v", step, err))
	if errors.Is(err, domain.ErrPDOOverflow) {
		m.mon.Emit(domain.EventPDOOverflow, cfg.Address, err.Error())
	}
}

func (m *Master) slaveByPosition(position uint16) (*domain.SlaveConfig, error) {
	for i := range m.slaves {
		if m.slaves[i].Position == position {
			return &m.slaves[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no device configured at position %d", domain.ErrInvalidSlave, position)
}

func (m *Master) station(position uint16) (uint16, error) {
	cfg, err := m.slaveByPosition(position)
	if err != nil {
		return 0, err
	}
	return cfg.Address, nil
}

func (m *Master) requireInit() error {
	if !m.ready.Load() {
		return fmt.Errorf("%w: master not initialized", domain.ErrInvalidOperation)
	}
	return nil
}

// SetLogCallback installs a callback that receives the master's lifecycle
// messages.
func (m *Master) SetLogCallback(cb domain.LogCallback) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.logCallback = cb
}

func (m *Master) notice(msg string) {
	m.logger.Info().Msg(msg)
	m.stateMu.RLock()
	cb := m.logCallback
	m.stateMu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}
