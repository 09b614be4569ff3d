package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

type codedError struct{ code domain.ErrorCode }

func (e codedError) Error() string { return "coded" }

func (e codedError) ErrorCode() domain.ErrorCode { return e.code }

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorCode
	}{
		{"nil", nil, domain.CodeSuccess},
		{"unclassified", errors.New("boom"), domain.CodeFatalError},
		{"wrapped sentinel", fmt.Errorf("station 1001: %w", domain.ErrWorkingCounter), domain.CodeWorkingCounterError},
		{"frame lost", domain.ErrFrameLost, domain.CodeFrameError},
		{"mailbox timeout", domain.ErrMailboxTimeout, domain.CodeMailboxError},
		{"already running", domain.ErrAlreadyRunning, domain.CodeThreadAlreadyRunning},
		{"coded error wins", fmt.Errorf("x: %w", codedError{domain.CodeCoEUploadFailed}), domain.CodeCoEUploadFailed},
		{"most specific first", fmt.Errorf("%w: %w", domain.ErrSyncManagerConfig, domain.ErrInvalidParameter), domain.CodeSyncManagerConfigFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrorCode_String(t *testing.T) {
	if got := domain.CodeWorkingCounterError.String(); got != "WorkingCounterError" {
		t.Errorf("String() = %q, want %q", got, "WorkingCounterError")
	}
	if got := domain.ErrorCode(999).String(); got != "Unknown" {
		t.Errorf("String() = %q, want %q", got, "Unknown")
	}
}

func TestSentinelErrors(t *testing.T) {
	errs := []error{
		domain.ErrNetworkInitFailed,
		domain.ErrNoSlaves,
		domain.ErrInvalidSlave,
		domain.ErrInvalidAddress,
		domain.ErrSDORead,
		domain.ErrCircuitBreakerOpen,
		domain.ErrMQTTNotConnected,
	}
	for _, err := range errs {
		if err == nil || err.Error() == "" {
			t.Errorf("sentinel %v should carry a message", err)
		}
	}
}
