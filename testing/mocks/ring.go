package mocks

import (
	"context"
	"sync"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// MockRing is a mock of the ring as seen by the monitoring layer.
type MockRing struct {
	mu sync.Mutex

	// Function overrides
	ReadStateFunc            func(ctx context.Context, station uint16) (domain.ALState, uint16, error)
	ProcessAsyncMessagesFunc func(ctx context.Context) int
	ReconnectFunc            func(ctx context.Context) error

	// Call tracking
	ReadStateCalls     int
	ProcessAsyncCalls  int
	ReconnectCalls     int
	ReadStateByStation map[uint16]int

	// States returned when ReadStateFunc is nil; unknown stations report OP.
	states map[uint16]domain.ALState
}

// NewMockRing creates a mock ring where every device is in OP.
func NewMockRing() *MockRing {
	return &MockRing{
		ReadStateByStation: make(map[uint16]int),
		states:             make(map[uint16]domain.ALState),
	}
}

// SetState sets the state reported for station.
func (m *MockRing) SetState(station uint16, state domain.ALState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[station] = state
}

// ReadState implements the monitoring ring interface.
func (m *MockRing) ReadState(ctx context.Context, station uint16) (domain.ALState, uint16, error) {
	m.mu.Lock()
	m.ReadStateCalls++
	m.ReadStateByStation[station]++
	fn := m.ReadStateFunc
	state, ok := m.states[station]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, station)
	}
	if !ok {
		state = domain.StateOp
	}
	return state, 0, nil
}

// ProcessAsyncMessages implements the monitoring ring interface.
func (m *MockRing) ProcessAsyncMessages(ctx context.Context) int {
	m.mu.Lock()
	m.ProcessAsyncCalls++
	fn := m.ProcessAsyncMessagesFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return 0
}

// Reconnect implements the monitoring ring interface.
func (m *MockRing) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.ReconnectCalls++
	fn := m.ReconnectFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// AsyncCalls returns the number of ProcessAsyncMessages calls.
func (m *MockRing) AsyncCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ProcessAsyncCalls
}

// ReconnectCount returns the number of Reconnect calls.
func (m *MockRing) ReconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReconnectCalls
}

// Reset clears call tracking.
func (m *MockRing) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadStateCalls = 0
	m.ProcessAsyncCalls = 0
	m.ReconnectCalls = 0
	m.ReadStateByStation = make(map[uint16]int)
}
