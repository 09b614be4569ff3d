// Package monitoring samples ring health, aggregates cycle statistics, owns
// the connection state and fires rate-limited auto-reactions.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/metrics"
	"github.com/nexus-edge/ecat-master/internal/worker"
	"github.com/rs/zerolog"
)

// Ring is what the monitor observes and acts on. The master implements it.
type Ring interface {
	// ReadState reads the AL status of one device.
	ReadState(ctx context.Context, station uint16) (domain.ALState, uint16, error)

	// ProcessAsyncMessages drains pending emergency messages and returns how
	// many were handled.
	ProcessAsyncMessages(ctx context.Context) int

	// Reconnect re-establishes the ring and restores device configuration.
	Reconnect(ctx context.Context) error
}

// Config holds the monitor settings.
type Config struct {
	Interval          time.Duration
	WKCErrorThreshold int
	HighErrorRate     float64
	MinCyclesForRate  uint64
	CycleBudget       time.Duration
	Reconnect         ReconnectSettings
	ReactionWorkers   int
}

// ReconnectSettings bounds the reconnection loop.
type ReconnectSettings struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Second,
		WKCErrorThreshold: 10,
		HighErrorRate:     0.1,
		MinCyclesForRate:  100,
		Reconnect:         ReconnectSettings{MaxAttempts: 5, Delay: 2 * time.Second},
		ReactionWorkers:   4,
	}
}

type reaction struct {
	domain.AutoReaction
}

type callbacks struct {
	state      domain.StateCallback
	statistics domain.StatisticsCallback
	slave      domain.SlaveStateCallback
	err        domain.ErrorCallback
	warning    domain.WarningCallback
	emergency  domain.EmergencyCallback
	event      func(domain.Event)
}

// Manager is the monitoring manager. Statistics, slave states, reactions
// and callbacks each have their own lock, none shared with the data path.
type Manager struct {
	ring    Ring
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time

	cfgMu    sync.RWMutex
	config   Config
	detailed bool

	stateMu sync.RWMutex
	state   domain.ConnectionState

	statsMu     sync.Mutex
	stats       domain.NetworkStatistics
	totalDur    time.Duration
	consecutive int
	overrun     bool

	slavesMu sync.RWMutex
	slaves   map[uint16]*domain.SlaveState
	order    []uint16

	reactionsMu sync.Mutex
	reactions   map[domain.EventType]*reaction
	pool        *workerpool.WorkerPool

	cbMu sync.RWMutex
	cb   callbacks

	reconnecting atomic.Bool
	attempts     atomic.Int32

	lifecycleMu sync.Mutex
	worker      *worker.Worker
}

// NewManager creates a monitor for ring. reg may be nil.
func NewManager(ring Ring, config Config, reg *metrics.Registry, logger zerolog.Logger) *Manager {
	d := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.WKCErrorThreshold <= 0 {
		config.WKCErrorThreshold = d.WKCErrorThreshold
	}
	if config.HighErrorRate <= 0 {
		config.HighErrorRate = d.HighErrorRate
	}
	if config.ReactionWorkers <= 0 {
		config.ReactionWorkers = d.ReactionWorkers
	}
	return &Manager{
		ring:      ring,
		metrics:   reg,
		logger:    logger.With().Str("component", "monitoring").Logger(),
		now:       time.Now,
		config:    config,
		state:     domain.ConnectionDisconnected,
		slaves:    make(map[uint16]*domain.SlaveState),
		reactions: make(map[domain.EventType]*reaction),
	}
}

// SetClock replaces the time source used for rate limiting and timestamps.
func (m *Manager) SetClock(now func() time.Time) {
	m.reactionsMu.Lock()
	defer m.reactionsMu.Unlock()
	m.now = now
}

func (m *Manager) clock() time.Time {
	m.reactionsMu.Lock()
	now := m.now
	m.reactionsMu.Unlock()
	return now()
}

// Start launches the polling worker.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.worker != nil && m.worker.Running() {
		return domain.ErrAlreadyRunning
	}
	m.worker = worker.New("monitoring", worker.Ticker(m.Interval, m.Poll), m.logger)
	return m.worker.Start(ctx)
}

// Stop stops the polling worker and waits for queued reactions.
func (m *Manager) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	w := m.worker
	m.worker = nil
	m.lifecycleMu.Unlock()

	var err error
	if w != nil {
		err = w.Stop(timeout)
	}

	m.reactionsMu.Lock()
	pool := m.pool
	m.pool = nil
	m.reactionsMu.Unlock()
	if pool != nil {
		pool.StopWait()
	}
	return err
}

// IsRunning reports whether the polling worker is active.
func (m *Manager) IsRunning() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.worker != nil && m.worker.Running()
}

// Interval returns the polling interval.
func (m *Manager) Interval() time.Duration {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config.Interval
}

// SetInterval changes the polling interval; it applies from the next poll.
func (m *Manager) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: interval must be positive", domain.ErrInvalidParameter)
	}
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.config.Interval = d
	return nil
}

// SetCycleBudget sets the cycle duration above which CycleTimeExceeded fires.
func (m *Manager) SetCycleBudget(d time.Duration) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.config.CycleBudget = d
}

// SetDetailedLogging toggles per-poll logging of every device.
func (m *Manager) SetDetailedLogging(enable bool) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.detailed = enable
}

// SetReconnectSettings changes the reconnection policy.
func (m *Manager) SetReconnectSettings(maxAttempts int, delay time.Duration) error {
	if maxAttempts <= 0 || delay < 0 {
		return fmt.Errorf("%w: reconnect needs at least one attempt", domain.ErrInvalidParameter)
	}
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.config.Reconnect = ReconnectSettings{MaxAttempts: maxAttempts, Delay: delay}
	return nil
}

// SetWKCErrorThreshold sets how many consecutive failed cycles count as a
// lost connection.
func (m *Manager) SetWKCErrorThreshold(n int) {
	if n <= 0 {
		return
	}
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.config.WKCErrorThreshold = n
}

func (m *Manager) settings() (Config, bool) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config, m.detailed
}

// Callback setters.

func (m *Manager) SetStateCallback(cb domain.StateCallback) {
	m.cbMu.Lock()
	m.cb.state = cb
	m.cbMu.Unlock()
}

func (m *Manager) SetStatisticsCallback(cb domain.StatisticsCallback) {
	m.cbMu.Lock()
	m.cb.statistics = cb
	m.cbMu.Unlock()
}

func (m *Manager) SetSlaveStateCallback(cb domain.SlaveStateCallback) {
	m.cbMu.Lock()
	m.cb.slave = cb
	m.cbMu.Unlock()
}

func (m *Manager) SetErrorCallback(cb domain.ErrorCallback) {
	m.cbMu.Lock()
	m.cb.err = cb
	m.cbMu.Unlock()
}

func (m *Manager) SetWarningCallback(cb domain.WarningCallback) {
	m.cbMu.Lock()
	m.cb.warning = cb
	m.cbMu.Unlock()
}

func (m *Manager) SetEmergencyCallback(cb domain.EmergencyCallback) {
	m.cbMu.Lock()
	m.cb.emergency = cb
	m.cbMu.Unlock()
}

// SetEventHandler installs a hook that sees every event, reaction or not.
func (m *Manager) SetEventHandler(h func(domain.Event)) {
	m.cbMu.Lock()
	m.cb.event = h
	m.cbMu.Unlock()
}

func (m *Manager) callbacks() callbacks {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()
	return m.cb
}

// ConnectionState returns the current connection state.
func (m *Manager) ConnectionState() domain.ConnectionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// SetConnectionState moves the connection state machine. It reports whether
// the state changed.
func (m *Manager) SetConnectionState(state domain.ConnectionState) bool {
	m.stateMu.Lock()
	prev := m.state
	m.state = state
	m.stateMu.Unlock()
	if prev == state {
		return false
	}

	m.logger.Info().Str("from", string(prev)).Str("to", string(state)).Msg("Connection state changed")
	if m.metrics != nil {
		m.metrics.SetConnectionState(state.Gauge())
	}
	if cb := m.callbacks().state; cb != nil {
		cb(state)
	}
	return true
}

// RegisterSlave adds a device to the polled set. The snapshot is kept as
// the last known state.
func (m *Manager) RegisterSlave(state domain.SlaveState) {
	m.slavesMu.Lock()
	defer m.slavesMu.Unlock()
	if _, ok := m.slaves[state.Address]; !ok {
		m.order = append(m.order, state.Address)
	}
	s := state
	m.slaves[state.Address] = &s
}

// UpdateSlave applies fn to the stored snapshot of a device.
func (m *Manager) UpdateSlave(station uint16, fn func(s *domain.SlaveState)) error {
	m.slavesMu.Lock()
	s, ok := m.slaves[station]
	if ok {
		fn(s)
		s.UpdatedAt = m.clock()
	}
	m.slavesMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: station %d", domain.ErrInvalidSlave, station)
	}
	return nil
}

// SlaveState returns the last known state of a device.
func (m *Manager) SlaveState(station uint16) (domain.SlaveState, error) {
	m.slavesMu.RLock()
	defer m.slavesMu.RUnlock()
	s, ok := m.slaves[station]
	if !ok {
		return domain.SlaveState{}, fmt.Errorf("%w: station %d", domain.ErrInvalidSlave, station)
	}
	return *s, nil
}

// SlaveStates returns every device in registration order.
func (m *Manager) SlaveStates() []domain.SlaveState {
	m.slavesMu.RLock()
	defer m.slavesMu.RUnlock()
	out := make([]domain.SlaveState, 0, len(m.order))
	for _, station := range m.order {
		out = append(out, *m.slaves[station])
	}
	return out
}

// UpdateStatistics folds one cycle result into the aggregate. It is called
// by the cyclic worker after every exchange.
func (m *Manager) UpdateStatistics(r domain.CycleResult) {
	m.cfgMu.RLock()
	budget := m.config.CycleBudget
	m.cfgMu.RUnlock()

	m.statsMu.Lock()
	s := &m.stats
	s.TotalCycles++
	if r.Success {
		s.SuccessCycles++
		m.consecutive = 0
	} else {
		s.ErrorCount++
		m.consecutive++
		switch {
		case r.FrameLost:
			s.LostFrames++
		case r.FrameError:
			s.FrameErrors++
		case r.WorkingCnt != r.ExpectedWKC:
			s.WKCErrors++
		}
	}
	if s.MinCycleTime == 0 || r.Duration < s.MinCycleTime {
		s.MinCycleTime = r.Duration
	}
	if r.Duration > s.MaxCycleTime {
		s.MaxCycleTime = r.Duration
	}
	m.totalDur += r.Duration
	s.AvgCycleTime = m.totalDur / time.Duration(s.TotalCycles)
	if budget > 0 && r.Duration > budget {
		m.overrun = true
	}
	s.LastUpdate = m.clock()
	m.statsMu.Unlock()

	if m.metrics != nil {
		wkc := !r.Success && !r.FrameLost && !r.FrameError && r.WorkingCnt != r.ExpectedWKC
		m.metrics.RecordCycle(r.Success, r.Duration.Seconds(), wkc, r.FrameLost)
	}
}

// AddSDOOperation counts one SDO transfer.
func (m *Manager) AddSDOOperation() {
	m.statsMu.Lock()
	m.stats.SDOOperations++
	m.statsMu.Unlock()
}

// SetPDOOperations records the PDO manager's operation count.
func (m *Manager) SetPDOOperations(n uint64) {
	m.statsMu.Lock()
	m.stats.PDOOperations = n
	m.statsMu.Unlock()
}

// AddDCSyncError counts a device found outside the DC window.
func (m *Manager) AddDCSyncError() {
	m.statsMu.Lock()
	m.stats.DCSyncErrors++
	m.statsMu.Unlock()
}

// Statistics returns a snapshot of the aggregate.
func (m *Manager) Statistics() domain.NetworkStatistics {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// ConsecutiveFailures returns the number of failed cycles since the last
// successful one.
func (m *Manager) ConsecutiveFailures() int {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.consecutive
}

// ResetStatistics clears the aggregate. Called on restart.
func (m *Manager) ResetStatistics() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats = domain.NetworkStatistics{}
	m.totalDur = 0
	m.consecutive = 0
	m.overrun = false
}

// Poll runs one monitoring pass: refresh device states, drain emergencies,
// publish statistics and evaluate the event conditions.
func (m *Manager) Poll(ctx context.Context) {
	cfg, detailed := m.settings()

	m.refreshSlaves(ctx, detailed)
	if n := m.ring.ProcessAsyncMessages(ctx); n > 0 && detailed {
		m.logger.Debug().Int("count", n).Msg("Processed emergency messages")
	}

	stats := m.Statistics()
	if cb := m.callbacks().statistics; cb != nil {
		cb(stats)
	}
	if m.metrics != nil {
		m.metrics.UpdateSystemMetrics()
	}

	m.statsMu.Lock()
	consecutive := m.consecutive
	overrun := m.overrun
	m.overrun = false
	m.statsMu.Unlock()

	state := m.ConnectionState()
	switch {
	case consecutive >= cfg.WKCErrorThreshold && state == domain.ConnectionConnected:
		m.SetConnectionState(domain.ConnectionDisconnected)
		m.Emit(domain.EventConnectionLost, 0, fmt.Sprintf("%d consecutive failed cycles", consecutive))
	case consecutive >= cfg.WKCErrorThreshold && state == domain.ConnectionDisconnected && !m.IsReconnecting():
		// Raised again on every pass so a rate-limited reconnect reaction
		// gets retried once its interval has passed.
		m.Emit(domain.EventConnectionLost, 0, fmt.Sprintf("still disconnected after %d consecutive failed cycles", consecutive))
	case consecutive == 0 && stats.SuccessCycles > 0 && state == domain.ConnectionDisconnected && !m.IsReconnecting():
		m.SetConnectionState(domain.ConnectionConnected)
		m.Emit(domain.EventConnectionRestored, 0, "cyclic exchange recovered")
	}

	if stats.TotalCycles >= cfg.MinCyclesForRate && stats.ErrorRate() > cfg.HighErrorRate {
		m.Emit(domain.EventHighErrorRate, 0, fmt.Sprintf("error rate %.1f%%", stats.ErrorRate()*100))
	}
	if overrun {
		m.Emit(domain.EventCycleTimeExceeded, 0, fmt.Sprintf("max cycle time %v over budget %v", stats.MaxCycleTime, cfg.CycleBudget))
	}
}

func (m *Manager) refreshSlaves(ctx context.Context, detailed bool) {
	m.slavesMu.RLock()
	stations := append([]uint16(nil), m.order...)
	m.slavesMu.RUnlock()

	for _, station := range stations {
		start := time.Now()
		al, code, err := m.ring.ReadState(ctx, station)
		latency := time.Since(start)

		var changed bool
		var snapshot domain.SlaveState
		m.slavesMu.Lock()
		s := m.slaves[station]
		if err != nil {
			// Keep the last known state.
			s.ErrorCount++
			s.LastError = err.Error()
		} else {
			changed = s.State != al
			s.State = al
			s.ALStatusCode = code
			s.Operational = al == domain.StateOp
			s.LastResponse = latency
		}
		s.UpdatedAt = m.clock()
		snapshot = *s
		m.slavesMu.Unlock()

		if detailed {
			m.logger.Debug().
				Uint16("station", station).
				Str("state", snapshot.State.String()).
				Uint16("al_status_code", snapshot.ALStatusCode).
				Dur("latency", latency).
				Msg("Slave polled")
		}
		if !changed {
			continue
		}

		m.statsMu.Lock()
		m.stats.SlaveStateChanges++
		m.statsMu.Unlock()
		if cb := m.callbacks().slave; cb != nil {
			cb(snapshot)
		}
		m.Emit(domain.EventSlaveStateChanged, station, fmt.Sprintf("%s is now %s", snapshot.Name, snapshot.State))
	}

	if m.metrics != nil {
		all := m.SlaveStates()
		op := 0
		for _, s := range all {
			if s.Operational {
				op++
			}
		}
		m.metrics.UpdateSlaveCount(len(all), op)
	}
}

// SetAutoReaction binds action to an event, replacing any earlier binding.
func (m *Manager) SetAutoReaction(event domain.EventType, action domain.ReactionFunc, minInterval time.Duration) {
	m.reactionsMu.Lock()
	defer m.reactionsMu.Unlock()
	m.reactions[event] = &reaction{domain.AutoReaction{
		Event:       event,
		Action:      action,
		Enabled:     true,
		MinInterval: minInterval,
	}}
}

// EnableReaction enables or disables the reaction bound to an event.
func (m *Manager) EnableReaction(event domain.EventType, enable bool) error {
	m.reactionsMu.Lock()
	defer m.reactionsMu.Unlock()
	r, ok := m.reactions[event]
	if !ok {
		return fmt.Errorf("%w: no reaction for %s", domain.ErrInvalidParameter, event)
	}
	r.Enabled = enable
	return nil
}

// RemoveReaction unbinds the reaction of an event.
func (m *Manager) RemoveReaction(event domain.EventType) {
	m.reactionsMu.Lock()
	defer m.reactionsMu.Unlock()
	delete(m.reactions, event)
}

// Reactions returns the reaction table.
func (m *Manager) Reactions() []domain.AutoReaction {
	m.reactionsMu.Lock()
	defer m.reactionsMu.Unlock()
	out := make([]domain.AutoReaction, 0, len(m.reactions))
	for _, r := range m.reactions {
		out = append(out, r.AutoReaction)
	}
	return out
}

// Emit publishes an event to the event handler and triggers its reaction.
func (m *Manager) Emit(event domain.EventType, slave uint16, message string) domain.Event {
	ev := domain.Event{
		ID:        uuid.NewString(),
		Type:      event,
		Slave:     slave,
		Message:   message,
		Timestamp: m.clock(),
	}
	if h := m.callbacks().event; h != nil {
		h(ev)
	}
	m.fire(ev)
	return ev
}

// TriggerReaction raises event and reports whether its reaction fired.
func (m *Manager) TriggerReaction(event domain.EventType) bool {
	return m.fire(domain.Event{
		ID:        uuid.NewString(),
		Type:      event,
		Message:   "triggered",
		Timestamp: m.clock(),
	})
}

// fire dispatches the reaction for ev unless it is disabled or fired less
// than MinInterval ago.
func (m *Manager) fire(ev domain.Event) bool {
	m.reactionsMu.Lock()
	r, ok := m.reactions[ev.Type]
	if !ok || !r.Enabled || r.Action == nil {
		m.reactionsMu.Unlock()
		return false
	}
	now := m.now()
	if !r.LastFired.IsZero() && now.Sub(r.LastFired) < r.MinInterval {
		m.reactionsMu.Unlock()
		return false
	}
	r.LastFired = now
	action := r.Action
	if m.pool == nil {
		m.pool = workerpool.New(m.reactionWorkers())
	}
	pool := m.pool
	m.reactionsMu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordReaction(string(ev.Type))
	}
	pool.Submit(func() {
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error().Interface("panic", p).Str("event", string(ev.Type)).Msg("Auto-reaction panicked")
			}
		}()
		action(ev)
	})
	return true
}

func (m *Manager) reactionWorkers() int {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config.ReactionWorkers
}

// WaitReactions blocks until every queued reaction has run. The pool is
// recreated on the next firing.
func (m *Manager) WaitReactions() {
	m.reactionsMu.Lock()
	pool := m.pool
	m.pool = nil
	m.reactionsMu.Unlock()
	if pool != nil {
		pool.StopWait()
	}
}

// IsReconnecting reports whether a reconnection loop is running.
func (m *Manager) IsReconnecting() bool {
	return m.reconnecting.Load()
}

// ReconnectAttempts returns the attempt count of the current or last loop.
func (m *Manager) ReconnectAttempts() int {
	return int(m.attempts.Load())
}

// AttemptReconnect tries to re-establish the ring up to MaxAttempts times,
// waiting Delay between attempts. When every attempt fails the connection
// state becomes Error and no further automatic retry happens.
func (m *Manager) AttemptReconnect(ctx context.Context) error {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return domain.ErrReconnectInProgress
	}
	defer m.reconnecting.Store(false)

	cfg, _ := m.settings()
	max := cfg.Reconnect.MaxAttempts
	if max <= 0 {
		max = 1
	}
	m.attempts.Store(0)
	m.SetConnectionState(domain.ConnectionReconnecting)

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		m.attempts.Store(int32(attempt))
		lastErr = m.ring.Reconnect(ctx)
		if m.metrics != nil {
			m.metrics.RecordReconnect(lastErr == nil)
		}
		if lastErr == nil {
			m.statsMu.Lock()
			m.consecutive = 0
			m.statsMu.Unlock()
			m.SetConnectionState(domain.ConnectionConnected)
			m.logger.Info().Int("attempt", attempt).Msg("Reconnected")
			m.Emit(domain.EventConnectionRestored, 0, fmt.Sprintf("reconnected after %d attempt(s)", attempt))
			return nil
		}
		m.logger.Warn().Err(lastErr).Int("attempt", attempt).Int("max_attempts", max).Msg("Reconnect attempt failed")

		if errors.Is(lastErr, context.Canceled) || attempt == max {
			break
		}
		timer := time.NewTimer(cfg.Reconnect.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			attempt = max
		case <-timer.C:
		}
	}

	m.SetConnectionState(domain.ConnectionError)
	m.ReportError(0, domain.CodeNetworkInitFailed, fmt.Sprintf("reconnect failed after %d attempt(s): %v", m.attempts.Load(), lastErr))
	return fmt.Errorf("%w: %v", domain.ErrReconnectFailed, lastErr)
}

// ReportError forwards a classified error to the error callback.
func (m *Manager) ReportError(slave uint16, code domain.ErrorCode, message string) {
	if m.metrics != nil {
		m.metrics.RecordSlaveError(slave, code.String())
	}
	if cb := m.callbacks().err; cb != nil {
		cb(slave, code, message)
	}
}

// ReportWarning forwards a warning to the warning callback.
func (m *Manager) ReportWarning(message string) {
	m.logger.Warn().Msg(message)
	if cb := m.callbacks().warning; cb != nil {
		cb(message)
	}
}

// ReportEmergency forwards an emergency message and raises its event.
func (m *Manager) ReportEmergency(slave uint16, code uint16, message string) {
	if m.metrics != nil {
		m.metrics.RecordEmergency(slave)
	}
	if cb := m.callbacks().emergency; cb != nil {
		cb(slave, code, message)
	}
	m.Emit(domain.EventEmergencyMessageReceived, slave, fmt.Sprintf("emergency 0x%04X: %s", code, message))
}
