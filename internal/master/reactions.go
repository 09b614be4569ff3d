package master

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// Default rate limits of the built-in reactions.
const (
	reconnectReactionInterval = 5 * time.Second
	errorRateReactionInterval = 10 * time.Second
	recoveryReactionInterval  = time.Second
)

// onEvent sees every monitoring event before the reactions run. A device
// that left OP is dropped from the cyclic exchange at once so the expected
// working counter stays correct for the rest of the ring.
func (m *Master) onEvent(ev domain.Event) {
	if ev.Type == domain.EventSlaveStateChanged && m.isOperational(ev.Slave) {
		if s, err := m.mon.SlaveState(ev.Slave); err == nil && s.State != domain.StateOp {
			m.setOperational(ev.Slave, false)
			m.replan()
			m.logger.Warn().Uint16("station", ev.Slave).Str("state", s.State.String()).Msg("Slave left OP")
		}
	}

	m.stateMu.RLock()
	hook := m.eventHook
	m.stateMu.RUnlock()
	if hook != nil {
		hook(ev)
	}
}

// SetEventHandler installs a hook that receives every monitoring event.
func (m *Master) SetEventHandler(h func(domain.Event)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.eventHook = h
}

// SetupAutoReactions installs the default reactions: reconnect on a lost
// connection, a warning on a high error rate and recovery of devices that
// left OP and allow auto recovery.
func (m *Master) SetupAutoReactions() {
	m.mon.SetAutoReaction(domain.EventConnectionLost, func(ev domain.Event) {
		if !m.running.Load() {
			return
		}
		if err := m.mon.AttemptReconnect(m.runContext()); err != nil {
			m.logger.Error().Err(err).Msg("Reconnect failed")
		}
	}, reconnectReactionInterval)

	m.mon.SetAutoReaction(domain.EventHighErrorRate, func(ev domain.Event) {
		m.mon.ReportWarning(fmt.Sprintf("High cycle error rate: %s", ev.Message))
	}, errorRateReactionInterval)

	m.mon.SetAutoReaction(domain.EventSlaveStateChanged, func(ev domain.Event) {
		m.recoverSlaves(m.runContext())
	}, recoveryReactionInterval)
}

// recoverSlaves restores every present device that is not operational and
// allows auto recovery. Nothing is attempted while the whole ring is being
// reconnected.
func (m *Master) recoverSlaves(ctx context.Context) {
	if !m.running.Load() || m.mon.IsReconnecting() || m.mon.ConnectionState() != domain.ConnectionConnected {
		return
	}
	for i := range m.slaves {
		cfg := &m.slaves[i]
		if !cfg.ErrorHandling.AutoRecovery || !m.isPresent(cfg) || m.isOperational(cfg.Address) {
			continue
		}
		attempts := cfg.ErrorHandling.RecoveryAttempts
		if attempts <= 0 {
			attempts = 1
		}
		for n := 1; n <= attempts && ctx.Err() == nil; n++ {
			err := m.restoreWithin(ctx, cfg, cfg.ErrorHandling.RecoveryTimeout)
			if err == nil {
				break
			}
			slaveLog := m.slaveLogger(cfg)
			slaveLog.Warn().Err(err).Int("attempt", n).Int("max_attempts", attempts).Msg("Slave recovery failed")
		}
	}
}

func (m *Master) restoreWithin(ctx context.Context, cfg *domain.SlaveConfig, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return m.RestoreSlaveConfiguration(ctx, cfg.Position)
}
