package master

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/pkg/logging"
	"github.com/rs/zerolog"
)

const statePollInterval = time.Millisecond

// Init command transitions, named by the first letters of the source and
// target states.
const (
	transitionInitToPreOp   = "IP"
	transitionPreOpToSafeOp = "PS"
	transitionSafeOpToOp    = "SO"
)

func (m *Master) slaveLogger(cfg *domain.SlaveConfig) zerolog.Logger {
	return logging.WithSlaveContext(m.logger, cfg.Position, cfg.Address, cfg.Name())
}

// configureSlave runs the per-device sequence up to SAFEOP: sync managers,
// FMMUs, mailbox, PREOP, distributed clock, PDO mapping, SAFEOP. It returns
// the step that failed.
func (m *Master) configureSlave(ctx context.Context, cfg *domain.SlaveConfig) (domain.ConfigStep, error) {
	st := cfg.Address
	log := m.slaveLogger(cfg)

	if err := m.transition(ctx, st, domain.StateInit); err != nil {
		return domain.StepTransition, err
	}
	if err := m.sm.ConfigureAll(ctx, st, cfg.SyncManagers); err != nil {
		return domain.StepSyncManagers, stepError(domain.ErrSyncManagerConfig, err)
	}
	if err := m.fmmu.ConfigureAll(ctx, st, cfg.FMMUs); err != nil {
		return domain.StepFMMUs, stepError(domain.ErrFMMUConfig, err)
	}
	if cfg.HasMailbox() {
		if err := m.mbx.Configure(ctx, st, cfg.Mailbox); err != nil {
			return domain.StepMailbox, stepError(domain.ErrMailboxConfig, err)
		}
	}

	if err := m.transition(ctx, st, domain.StatePreOp); err != nil {
		return domain.StepTransition, err
	}
	if err := m.runInitCommands(ctx, cfg, transitionInitToPreOp); err != nil {
		return domain.StepInitCommands, err
	}

	if cfg.DC.Enabled {
		if err := m.dc.Configure(ctx, st, cfg.DC); err != nil {
			return domain.StepDC, stepError(domain.ErrDCConfig, err)
		}
	}
	if err := m.pdo.ConfigureSlavePDOs(ctx, cfg); err != nil {
		return domain.StepPDOs, err
	}

	if err := m.runInitCommands(ctx, cfg, transitionPreOpToSafeOp); err != nil {
		return domain.StepInitCommands, err
	}
	if err := m.transition(ctx, st, domain.StateSafeOp); err != nil {
		return domain.StepTransition, err
	}

	_ = m.mon.UpdateSlave(st, func(s *domain.SlaveState) {
		s.FailedStep = domain.StepNone
		s.LastError = ""
	})
	log.Debug().Msg("Slave reached SAFEOP")
	return domain.StepNone, nil
}

// stepError classifies a failed configuration step under the step's own
// sentinel while keeping the cause reachable through errors.Is.
func stepError(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// enterOperational moves a configured device from SAFEOP to OP.
func (m *Master) enterOperational(ctx context.Context, cfg *domain.SlaveConfig) (domain.ConfigStep, error) {
	if err := m.runInitCommands(ctx, cfg, transitionSafeOpToOp); err != nil {
		return domain.StepInitCommands, err
	}
	if err := m.transition(ctx, cfg.Address, domain.StateOp); err != nil {
		return domain.StepTransition, err
	}
	m.setOperational(cfg.Address, true)
	slaveLog := m.slaveLogger(cfg)
	slaveLog.Info().Msg("Slave operational")
	return domain.StepNone, nil
}

// runInitCommands downloads the init commands bound to a transition.
func (m *Master) runInitCommands(ctx context.Context, cfg *domain.SlaveConfig, transition string) error {
	for _, c := range cfg.InitCommands {
		if !strings.EqualFold(c.Transition, transition) {
			continue
		}
		if err := m.sdo.WriteSDO(ctx, cfg.Address, c.Index, c.SubIndex, c.Data); err != nil {
			return fmt.Errorf("init command 0x%04X:%d (%s): %w", c.Index, c.SubIndex, transition, err)
		}
	}
	return nil
}

// transition requests a state and waits for the device to reach it.
func (m *Master) transition(ctx context.Context, station uint16, state domain.ALState) error {
	if err := m.io.RequestState(ctx, station, state); err != nil {
		return fmt.Errorf("request %s on station %d: %w", state, station, err)
	}
	return m.waitState(ctx, station, state, m.config.StateTimeout)
}

// WaitForState polls the device at position until it reports state without
// the error flag, or fails with ErrStateTransitionTimeout after timeout.
func (m *Master) WaitForState(ctx context.Context, position uint16, state domain.ALState, timeout time.Duration) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	station, err := m.station(position)
	if err != nil {
		return err
	}
	return m.waitState(ctx, station, state, timeout)
}

func (m *Master) waitState(ctx context.Context, station uint16, want domain.ALState, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.config.StateTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	var last domain.ALState
	var code uint16
	var lastErr error
	for {
		state, c, err := m.io.ReadState(waitCtx, station)
		if err == nil {
			last, code, lastErr = state, c, nil
			if state.Base() == want && !state.HasError() {
				_ = m.mon.UpdateSlave(station, func(s *domain.SlaveState) {
					s.State = state
					s.ALStatusCode = c
					s.Operational = state == domain.StateOp
				})
				return nil
			}
		} else {
			lastErr = err
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			if lastErr != nil {
				return fmt.Errorf("%w: station %d did not reach %s: %v", domain.ErrStateTransitionTimeout, station, want, lastErr)
			}
			return fmt.Errorf("%w: station %d in %s (AL status code 0x%04X), want %s",
				domain.ErrStateTransitionTimeout, station, last, code, want)
		case <-ticker.C:
		}
	}
}

// RestoreSlaveConfiguration re-runs the configuration sequence of the device
// at position and returns it to OP. The device rejoins the cyclic exchange
// when the master is running.
func (m *Master) RestoreSlaveConfiguration(ctx context.Context, position uint16) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	cfg, err := m.slaveByPosition(position)
	if err != nil {
		return err
	}

	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()

	m.setOperational(cfg.Address, false)
	m.replan()

	step, err := m.configureSlave(ctx, cfg)
	if err == nil {
		step, err = m.enterOperational(ctx, cfg)
	}
	if err != nil {
		m.slaveFailed(cfg, step, err)
		return err
	}
	m.replan()
	slaveLog := m.slaveLogger(cfg)
	slaveLog.Info().Msg("Slave configuration restored")
	return nil
}

// Reconnect rediscovers the ring and brings every configured device back to
// OP. It is the reconnect action the monitoring layer runs after the
// connection was lost.
func (m *Master) Reconnect(ctx context.Context) error {
	if err := m.requireInit(); err != nil {
		return err
	}

	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()

	for i := range m.slaves {
		m.setOperational(m.slaves[i].Address, false)
	}
	m.replan()

	if err := m.discover(ctx); err != nil {
		return err
	}
	stations := m.bringUp(ctx)
	if len(stations) == 0 {
		return fmt.Errorf("%w: no device reached OP", domain.ErrSlaveConfigFailed)
	}
	m.replan()
	return nil
}

// ConfigureSyncManager writes one sync manager channel of the device at
// position.
func (m *Master) ConfigureSyncManager(ctx context.Context, position uint16, cfg domain.SyncManagerConfig) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	station, err := m.station(position)
	if err != nil {
		return err
	}
	return m.sm.Configure(ctx, station, cfg)
}

// ReadRegisters reads len(buf) bytes of device memory at addr.
func (m *Master) ReadRegisters(ctx context.Context, position uint16, addr uint16, buf []byte) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	station, err := m.station(position)
	if err != nil {
		return err
	}
	if err := m.io.ReadRegister(ctx, station, addr, buf); err != nil {
		return fmt.Errorf("%w: station %d register 0x%04X: %v", domain.ErrRegisterRead, station, addr, err)
	}
	return nil
}

// WriteRegisters writes data to device memory at addr.
func (m *Master) WriteRegisters(ctx context.Context, position uint16, addr uint16, data []byte) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	station, err := m.station(position)
	if err != nil {
		return err
	}
	if err := m.io.WriteRegister(ctx, station, addr, data); err != nil {
		return fmt.Errorf("%w: station %d register 0x%04X: %v", domain.ErrRegisterWrite, station, addr, err)
	}
	return nil
}

// CalculateIOMapSize returns the summed length of every configured FMMU. It
// fails with ErrPDOOverflow when a mapping ends beyond the process image.
func (m *Master) CalculateIOMapSize() (int, error) {
	total := 0
	for i := range m.slaves {
		for _, f := range m.slaves[i].FMMUs {
			if !f.Enable {
				continue
			}
			end := int(f.LogicalStart) + int(f.Length)
			if end > m.image.Size() {
				return 0, fmt.Errorf("%w: station %d fmmu %d ends at %d, image is %d bytes",
					domain.ErrPDOOverflow, m.slaves[i].Address, f.Index, end, m.image.Size())
			}
			total += int(f.Length)
		}
	}
	if total > m.image.Size() {
		return 0, fmt.Errorf("%w: %d mapped bytes, image is %d bytes", domain.ErrPDOOverflow, total, m.image.Size())
	}
	return total, nil
}
