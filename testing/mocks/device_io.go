package mocks

import (
	"context"
	"sync"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// Write records one WriteRegister call.
type Write struct {
	Station uint16
	Addr    uint16
	Data    []byte
}

// MockDeviceIO is an in-memory implementation of domain.DeviceIO. Each
// station has 64 KiB of register memory.
type MockDeviceIO struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	ReadRegisterFunc  func(ctx context.Context, station, addr uint16, buf []byte) error
	WriteRegisterFunc func(ctx context.Context, station, addr uint16, data []byte) error
	ReadStateFunc     func(ctx context.Context, station uint16) (domain.ALState, uint16, error)
	RequestStateFunc  func(ctx context.Context, station uint16, state domain.ALState) error

	// Call tracking
	ReadRegisterCalls  int
	WriteRegisterCalls int
	ReadStateCalls     int
	RequestStateCalls  int
	Writes             []Write

	memory map[uint16]*[1 << 16]byte
	states map[uint16]domain.ALState
}

// NewMockDeviceIO creates a new mock device I/O.
func NewMockDeviceIO() *MockDeviceIO {
	return &MockDeviceIO{
		memory: make(map[uint16]*[1 << 16]byte),
		states: make(map[uint16]domain.ALState),
	}
}

func (m *MockDeviceIO) mem(station uint16) *[1 << 16]byte {
	b, ok := m.memory[station]
	if !ok {
		b = new([1 << 16]byte)
		m.memory[station] = b
	}
	return b
}

// ReadRegister implements domain.DeviceIO.
func (m *MockDeviceIO) ReadRegister(ctx context.Context, station, addr uint16, buf []byte) error {
	m.mu.Lock()
	m.ReadRegisterCalls++
	fn := m.ReadRegisterFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, station, addr, buf)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(buf, m.mem(station)[addr:])
	return nil
}

// WriteRegister implements domain.DeviceIO.
func (m *MockDeviceIO) WriteRegister(ctx context.Context, station, addr uint16, data []byte) error {
	m.mu.Lock()
	m.WriteRegisterCalls++
	m.Writes = append(m.Writes, Write{Station: station, Addr: addr, Data: append([]byte(nil), data...)})
	fn := m.WriteRegisterFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, station, addr, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.mem(station)[addr:], data)
	return nil
}

// ReadState implements domain.DeviceIO.
func (m *MockDeviceIO) ReadState(ctx context.Context, station uint16) (domain.ALState, uint16, error) {
	m.mu.Lock()
	m.ReadStateCalls++
	fn := m.ReadStateFunc
	state, ok := m.states[station]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, station)
	}
	if !ok {
		state = domain.StateInit
	}
	return state, 0, nil
}

// RequestState implements domain.DeviceIO.
func (m *MockDeviceIO) RequestState(ctx context.Context, station uint16, state domain.ALState) error {
	m.mu.Lock()
	m.RequestStateCalls++
	fn := m.RequestStateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, station, state)
	}
	m.mu.Lock()
	m.states[station] = state
	m.mu.Unlock()
	return nil
}

// SetMemory writes device memory directly, bypassing call tracking.
func (m *MockDeviceIO) SetMemory(station, addr uint16, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.mem(station)[addr:], data)
}

// Memory returns a copy of n bytes of device memory.
func (m *MockDeviceIO) Memory(station, addr uint16, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	copy(out, m.mem(station)[addr:])
	return out
}

// WriteCount returns the number of WriteRegister calls.
func (m *MockDeviceIO) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WriteRegisterCalls
}

// Reset clears all call counts.
func (m *MockDeviceIO) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadRegisterCalls = 0
	m.WriteRegisterCalls = 0
	m.ReadStateCalls = 0
	m.RequestStateCalls = 0
	m.Writes = nil
}

// AssertWriteCalled checks that WriteRegister was called the expected number of times.
func (m *MockDeviceIO) AssertWriteCalled(t interface{ Errorf(string, ...interface{}) }, expected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteRegisterCalls != expected {
		t.Errorf("expected %d WriteRegister calls, got %d", expected, m.WriteRegisterCalls)
	}
}
