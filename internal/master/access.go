package master

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/health"
)

// ReadSDO uploads an object from the device at position.
func (m *Master) ReadSDO(ctx context.Context, position uint16, index uint16, subIndex uint8, size int) ([]byte, error) {
	if err := m.requireInit(); err != nil {
		return nil, err
	}
	station, err := m.station(position)
	if err != nil {
		return nil, err
	}
	return m.sdo.ReadSDO(ctx, station, index, subIndex, size)
}

// WriteSDO downloads an object to the device at position.
func (m *Master) WriteSDO(ctx context.Context, position uint16, index uint16, subIndex uint8, data []byte) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	station, err := m.station(position)
	if err != nil {
		return err
	}
	return m.sdo.WriteSDO(ctx, station, index, subIndex, data)
}

// ReadPDO decodes one PDO entry of the device at position from the process
// image.
func (m *Master) ReadPDO(position uint16, pdoIndex, index uint16, subIndex uint8) (domain.Value, error) {
	station, err := m.station(position)
	if err != nil {
		return domain.Value{}, err
	}
	return m.pdo.ReadPDO(station, pdoIndex, index, subIndex)
}

// WritePDO encodes v into an output PDO entry of the device at position. The
// value goes out with the next cycle.
func (m *Master) WritePDO(position uint16, pdoIndex, index uint16, subIndex uint8, v domain.Value) error {
	station, err := m.station(position)
	if err != nil {
		return err
	}
	return m.pdo.WritePDO(station, pdoIndex, index, subIndex, v)
}

// Statistics returns the network statistics.
func (m *Master) Statistics() domain.NetworkStatistics {
	m.mon.SetPDOOperations(m.pdo.Operations())
	return m.mon.Statistics()
}

// ResetStatistics clears the network statistics.
func (m *Master) ResetStatistics() { m.mon.ResetStatistics() }

// SlaveState returns the snapshot of the device at position.
func (m *Master) SlaveState(position uint16) (domain.SlaveState, error) {
	station, err := m.station(position)
	if err != nil {
		return domain.SlaveState{}, err
	}
	s, err := m.mon.SlaveState(station)
	if err != nil {
		return domain.SlaveState{}, err
	}
	return m.enrich(s), nil
}

// SlaveStates returns the snapshots of every configured device.
func (m *Master) SlaveStates() []domain.SlaveState {
	all := m.mon.SlaveStates()
	for i := range all {
		all[i] = m.enrich(all[i])
	}
	return all
}

func (m *Master) enrich(s domain.SlaveState) domain.SlaveState {
	s.BytesSent, s.BytesReceived = m.io.traffic(s.Address)
	s.Synced = m.dc.IsSynced(s.Address)
	return s
}

// ConnectionState returns the ring-level connection state.
func (m *Master) ConnectionState() domain.ConnectionState { return m.mon.ConnectionState() }

// SetErrorCallback installs the error callback.
func (m *Master) SetErrorCallback(cb domain.ErrorCallback) { m.mon.SetErrorCallback(cb) }

// SetStateCallback installs the connection state callback.
func (m *Master) SetStateCallback(cb domain.StateCallback) { m.mon.SetStateCallback(cb) }

// SetStatisticsCallback installs the statistics callback, called once per
// monitoring interval.
func (m *Master) SetStatisticsCallback(cb domain.StatisticsCallback) { m.mon.SetStatisticsCallback(cb) }

// SetSlaveStateCallback installs the callback for device state changes.
func (m *Master) SetSlaveStateCallback(cb domain.SlaveStateCallback) { m.mon.SetSlaveStateCallback(cb) }

// SetWarningCallback installs the warning callback.
func (m *Master) SetWarningCallback(cb domain.WarningCallback) { m.mon.SetWarningCallback(cb) }

// SetEmergencyCallback installs the emergency message callback.
func (m *Master) SetEmergencyCallback(cb domain.EmergencyCallback) { m.mon.SetEmergencyCallback(cb) }

// SetMonitoringInterval changes how often the ring is supervised.
func (m *Master) SetMonitoringInterval(d time.Duration) error { return m.mon.SetInterval(d) }

// SetDetailedLogging turns per-device debug logging of the monitor on or off.
func (m *Master) SetDetailedLogging(enable bool) { m.mon.SetDetailedLogging(enable) }

// SetReconnectSettings changes the reconnect policy.
func (m *Master) SetReconnectSettings(maxAttempts int, delay time.Duration) error {
	return m.mon.SetReconnectSettings(maxAttempts, delay)
}

// SetAutoReaction binds an action to an event.
func (m *Master) SetAutoReaction(event domain.EventType, action domain.ReactionFunc, minInterval time.Duration) {
	m.mon.SetAutoReaction(event, action, minInterval)
}

// EnableReaction turns a bound reaction on or off.
func (m *Master) EnableReaction(event domain.EventType, enable bool) error {
	return m.mon.EnableReaction(event, enable)
}

// RemoveReaction unbinds the reaction of an event.
func (m *Master) RemoveReaction(event domain.EventType) { m.mon.RemoveReaction(event) }

// Reactions lists the bound reactions.
func (m *Master) Reactions() []domain.AutoReaction { return m.mon.Reactions() }

// TriggerReaction fires the reaction of an event by hand.
func (m *Master) TriggerReaction(event domain.EventType) bool { return m.mon.TriggerReaction(event) }

// AttemptReconnect runs the reconnect policy now.
func (m *Master) AttemptReconnect(ctx context.Context) error { return m.mon.AttemptReconnect(ctx) }

// IsReconnecting reports whether a reconnect is in progress.
func (m *Master) IsReconnecting() bool { return m.mon.IsReconnecting() }

// ReconnectAttempts returns the attempts made by the current or last
// reconnect.
func (m *Master) ReconnectAttempts() int { return m.mon.ReconnectAttempts() }

// SetTargetCycleTime changes the target cycle time. It must lie within the
// configured minimum and maximum.
func (m *Master) SetTargetCycleTime(d time.Duration) error { return m.timing.SetTarget(d) }

// TargetCycleTime returns the target cycle time.
func (m *Master) TargetCycleTime() time.Duration { return m.timing.Target() }

// EnableAdaptiveCycle turns adaptive cycle timing on or off.
func (m *Master) EnableAdaptiveCycle(enable bool) { m.timing.SetAdaptive(enable) }

// CurrentCycleTime returns the smoothed cycle time.
func (m *Master) CurrentCycleTime() time.Duration { return m.timing.Current() }

// LastCycleDuration returns how long the last exchange took.
func (m *Master) LastCycleDuration() time.Duration { return m.timing.LastDuration() }

// EnableDriftCompensation changes the distributed clock drift compensation.
func (m *Master) EnableDriftCompensation(enable bool, maxDriftNs int64, interval time.Duration) error {
	return m.dc.EnableDriftCompensation(enable, maxDriftNs, interval)
}

// HealthCheck implements health.Checker. The master is unhealthy unless
// connected and degraded while some configured devices are not operational.
func (m *Master) HealthCheck(ctx context.Context) error {
	if state := m.mon.ConnectionState(); state != domain.ConnectionConnected {
		return fmt.Errorf("connection %s", state)
	}
	if ops, total := len(m.operationalStations()), len(m.slaves); ops < total {
		return fmt.Errorf("%w: %d of %d devices operational", health.ErrDegraded, ops, total)
	}
	return nil
}

// ProcessAsyncMessages drains pending mailbox messages of every device. It
// is called by the monitoring loop.
func (m *Master) ProcessAsyncMessages(ctx context.Context) int {
	m.mon.SetPDOOperations(m.pdo.Operations())
	return m.mbx.ProcessAsyncMessages(ctx)
}

// ReadState reads the AL status of a device. It is called by the monitoring
// loop.
func (m *Master) ReadState(ctx context.Context, station uint16) (domain.ALState, uint16, error) {
	return m.io.ReadState(ctx, station)
}
