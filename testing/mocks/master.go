package mocks

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
)

// MockMaster is a mock of the master as seen by the HTTP API.
type MockMaster struct {
	mu sync.Mutex

	SessionID string
	Cfg       domain.MasterConfig
	Running   bool
	State     domain.ConnectionState
	States    []domain.SlaveState
	Stats     domain.NetworkStatistics
	Frames    ecat.BusStatsSnapshot
	Target    time.Duration
	Current   time.Duration
	Last      time.Duration
	Reacts    []domain.AutoReaction

	// Function overrides
	SetTargetCycleTimeFunc func(d time.Duration) error

	// Call tracking
	ResetStatisticsCalls    int
	SetTargetCycleTimeCalls int
}

// NewMockMaster creates a running, connected mock master.
func NewMockMaster() *MockMaster {
	return &MockMaster{
		SessionID: "session-1",
		Cfg:       domain.DefaultMasterConfig(),
		Running:   true,
		State:     domain.ConnectionConnected,
		Target:    time.Millisecond,
		Current:   time.Millisecond,
	}
}

func (m *MockMaster) Session() string { return m.SessionID }
func (m *MockMaster) Config() domain.MasterConfig { return m.Cfg }

func (m *MockMaster) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Running
}

func (m *MockMaster) ConnectionState() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State
}

func (m *MockMaster) SlaveStates() []domain.SlaveState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SlaveState, len(m.States))
	copy(out, m.States)
	return out
}

func (m *MockMaster) SlaveState(position uint16) (domain.SlaveState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.States {
		if s.Position == position {
			return s, nil
		}
	}
	return domain.SlaveState{}, fmt.Errorf("%w: position %d", domain.ErrInvalidSlave, position)
}

func (m *MockMaster) Statistics() domain.NetworkStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Stats
}

func (m *MockMaster) BusStats() ecat.BusStatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Frames
}

func (m *MockMaster) ResetStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetStatisticsCalls++
	m.Stats = domain.NetworkStatistics{}
}

func (m *MockMaster) TargetCycleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Target
}

func (m *MockMaster) CurrentCycleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Current
}

func (m *MockMaster) LastCycleDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Last
}

func (m *MockMaster) SetTargetCycleTime(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetTargetCycleTimeCalls++
	if m.SetTargetCycleTimeFunc != nil {
		if err := m.SetTargetCycleTimeFunc(d); err != nil {
			return err
		}
	}
	m.Target = d
	return nil
}

func (m *MockMaster) Reactions() []domain.AutoReaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reacts
}
