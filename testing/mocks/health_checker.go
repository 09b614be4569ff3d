// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"sync"
)

// MockChecker is a mock implementation of health.Checker.
type MockChecker struct {
	mu sync.Mutex

	// Err is returned by HealthCheck unless HealthCheckFunc is set
	Err error

	// Function overrides
	HealthCheckFunc func(ctx context.Context) error

	// Call tracking
	HealthCheckCalls int
}

// NewMockChecker creates a mock checker that reports healthy.
func NewMockChecker() *MockChecker {
	return &MockChecker{}
}

// HealthCheck implements health.Checker.
func (m *MockChecker) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthCheckCalls++
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx)
	}
	return m.Err
}

// SetErr changes the reported error.
func (m *MockChecker) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
