// Package testutil provides shared utilities for testing.
package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// TestTimeout is the default timeout for test operations.
const TestTimeout = 5 * time.Second

// ContextWithTimeout returns a context with the default test timeout.
func ContextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), TestTimeout)
}

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		if len(msgAndArgs) > 0 {
			t.Fatalf("unexpected error: %v - %v", err, msgAndArgs)
		}
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertErrorIs checks if an error matches a target error.
func AssertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", target)
		return
	}
	if !errors.Is(err, target) {
		t.Errorf("expected error %v, got %v", target, err)
	}
}

// WaitForCondition waits for a condition to become true.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// MustUint creates an unsigned Value or fails the test.
func MustUint(t *testing.T, typ domain.DataType, v uint64) domain.Value {
	t.Helper()
	val, err := domain.UintValue(typ, v)
	RequireNoError(t, err)
	return val
}

// MustInt creates a signed Value or fails the test.
func MustInt(t *testing.T, typ domain.DataType, v int64) domain.Value {
	t.Helper()
	val, err := domain.IntValue(typ, v)
	RequireNoError(t, err)
	return val
}
