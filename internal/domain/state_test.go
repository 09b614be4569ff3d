package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

func TestALState_String(t *testing.T) {
	tests := []struct {
		state domain.ALState
		want  string
	}{
		{domain.StateInit, "INIT"},
		{domain.StatePreOp, "PREOP"},
		{domain.StateSafeOp, "SAFEOP"},
		{domain.StateOp, "OP"},
		{domain.StateSafeOp | domain.StateErrorFlag, "SAFEOP+ERR"},
		{domain.ALState(0x07), "0x07"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ALState(0x%02X).String() = %q, want %q", uint8(tt.state), got, tt.want)
		}
	}
}

func TestALState_ErrorFlag(t *testing.T) {
	s := domain.StateSafeOp | domain.StateErrorFlag
	if !s.HasError() {
		t.Error("HasError() = false, want true")
	}
	if s.Base() != domain.StateSafeOp {
		t.Errorf("Base() = %s, want SAFEOP", s.Base())
	}
	if domain.StateOp.HasError() {
		t.Error("OP should not carry the error flag")
	}
}

func TestParseALState(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.ALState
		wantErr bool
	}{
		{"op", domain.StateOp, false},
		{" Safe-Op ", domain.StateSafeOp, false},
		{"PREOP", domain.StatePreOp, false},
		{"init", domain.StateInit, false},
		{"boot", domain.StateBoot, false},
		{"running", domain.StateNone, true},
	}

	for _, tt := range tests {
		got, err := domain.ParseALState(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseALState(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrInvalidParameter) {
			t.Errorf("ParseALState(%q) error = %v, want ErrInvalidParameter", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseALState(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestConnectionState_Gauge(t *testing.T) {
	tests := map[domain.ConnectionState]float64{
		domain.ConnectionDisconnected: 0,
		domain.ConnectionConnecting:   1,
		domain.ConnectionConnected:    2,
		domain.ConnectionReconnecting: 3,
		domain.ConnectionError:        4,
	}
	for state, want := range tests {
		if got := state.Gauge(); got != want {
			t.Errorf("%s.Gauge() = %v, want %v", state, got, want)
		}
	}
}

func TestNetworkStatistics_ErrorRate(t *testing.T) {
	if got := (domain.NetworkStatistics{}).ErrorRate(); got != 0 {
		t.Errorf("ErrorRate() with no cycles = %v, want 0", got)
	}
	stats := domain.NetworkStatistics{TotalCycles: 200, ErrorCount: 5, AvgCycleTime: time.Millisecond}
	if got := stats.ErrorRate(); got != 0.025 {
		t.Errorf("ErrorRate() = %v, want 0.025", got)
	}
}
