package domain

import (
	"fmt"
	"strings"
	"time"
)

// ALState is the application-layer state of a device.
type ALState uint8

const (
	StateNone   ALState = 0x00
	StateInit   ALState = 0x01
	StatePreOp  ALState = 0x02
	StateBoot   ALState = 0x03
	StateSafeOp ALState = 0x04
	StateOp     ALState = 0x08

	// StateErrorFlag is set in ALStatus when the device refused a transition.
	StateErrorFlag ALState = 0x10
	stateMask      ALState = 0x0F
)

// Base strips the error flag.
func (s ALState) Base() ALState { return s & stateMask }

// HasError reports whether the error flag is set.
func (s ALState) HasError() bool { return s&StateErrorFlag != 0 }

func (s ALState) String() string {
	var name string
	switch s.Base() {
	case StateNone:
		name = "NONE"
	case StateInit:
		name = "INIT"
	case StatePreOp:
		name = "PREOP"
	case StateBoot:
		name = "BOOT"
	case StateSafeOp:
		name = "SAFEOP"
	case StateOp:
		name = "OP"
	default:
		name = fmt.Sprintf("0x%02X", uint8(s.Base()))
	}
	if s.HasError() {
		name += "+ERR"
	}
	return name
}

// ParseALState parses a state name such as "OP" or "safeop".
func ParseALState(s string) (ALState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INIT":
		return StateInit, nil
	case "PREOP", "PRE-OP":
		return StatePreOp, nil
	case "BOOT":
		return StateBoot, nil
	case "SAFEOP", "SAFE-OP":
		return StateSafeOp, nil
	case "OP":
		return StateOp, nil
	}
	return StateNone, fmt.Errorf("%w: unknown state %q", ErrInvalidParameter, s)
}

// ConnectionState is the ring-level connection status. Only the monitoring
// layer changes it.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
	ConnectionReconnecting ConnectionState = "reconnecting"
)

// Gauge returns a numeric encoding for metrics.
func (c ConnectionState) Gauge() float64 {
	switch c {
	case ConnectionConnecting:
		return 1
	case ConnectionConnected:
		return 2
	case ConnectionReconnecting:
		return 3
	case ConnectionError:
		return 4
	}
	return 0
}

// EventType names a condition an auto-reaction can be bound to.
type EventType string

const (
	EventConnectionLost           EventType = "connection_lost"
	EventConnectionRestored       EventType = "connection_restored"
	EventSlaveStateChanged        EventType = "slave_state_changed"
	EventHighErrorRate            EventType = "high_error_rate"
	EventCycleTimeExceeded        EventType = "cycle_time_exceeded"
	EventEmergencyMessageReceived EventType = "emergency_message_received"
	EventDCSyncLost               EventType = "dc_sync_lost"
	EventPDOOverflow              EventType = "pdo_overflow"
	EventSDOTimeout               EventType = "sdo_timeout"
)

// ConfigStep names a stage of the per-device configuration sequence.
type ConfigStep string

const (
	StepNone         ConfigStep = ""
	StepSyncManagers ConfigStep = "sync_managers"
	StepFMMUs        ConfigStep = "fmmus"
	StepMailbox      ConfigStep = "mailbox"
	StepDC           ConfigStep = "distributed_clock"
	StepPDOs         ConfigStep = "pdos"
	StepInitCommands ConfigStep = "init_commands"
	StepTransition   ConfigStep = "state_transition"
)

// SlaveState is a snapshot of one device.
type SlaveState struct {
	Position      uint16        `json:"position"`
	Address       uint16        `json:"address"`
	Name          string        `json:"name"`
	State         ALState       `json:"state"`
	ALStatusCode  uint16        `json:"al_status_code"`
	BytesSent     uint64        `json:"bytes_sent"`
	BytesReceived uint64        `json:"bytes_received"`
	ErrorCount    uint64        `json:"error_count"`
	Operational   bool          `json:"operational"`
	Synced        bool          `json:"synced"`
	LastResponse  time.Duration `json:"last_response"`
	FailedStep    ConfigStep    `json:"failed_step,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NetworkStatistics aggregates the cyclic exchange results.
type NetworkStatistics struct {
	TotalCycles       uint64        `json:"total_cycles"`
	SuccessCycles     uint64        `json:"success_cycles"`
	ErrorCount        uint64        `json:"error_count"`
	WKCErrors         uint64        `json:"wkc_errors"`
	FrameErrors       uint64        `json:"frame_errors"`
	LostFrames        uint64        `json:"lost_frames"`
	SDOOperations     uint64        `json:"sdo_operations"`
	PDOOperations     uint64        `json:"pdo_operations"`
	DCSyncErrors      uint64        `json:"dc_sync_errors"`
	SlaveStateChanges uint64        `json:"slave_state_changes"`
	MinCycleTime      time.Duration `json:"min_cycle_time"`
	MaxCycleTime      time.Duration `json:"max_cycle_time"`
	AvgCycleTime      time.Duration `json:"avg_cycle_time"`
	LastUpdate        time.Time     `json:"last_update"`
}

// ErrorRate returns the fraction of failed cycles.
func (s NetworkStatistics) ErrorRate() float64 {
	if s.TotalCycles == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.TotalCycles)
}

// CycleResult is what the cyclic worker reports after every exchange.
type CycleResult struct {
	Success     bool
	WorkingCnt  uint16
	ExpectedWKC uint16
	Duration    time.Duration
	FrameLost   bool
	FrameError  bool
}

// Callback signatures. All are invoked from worker goroutines and must not block.
type (
	ErrorCallback      func(slave uint16, code ErrorCode, message string)
	LogCallback        func(message string)
	StateCallback      func(state ConnectionState)
	StatisticsCallback func(stats NetworkStatistics)
	SlaveStateCallback func(state SlaveState)
	WarningCallback    func(message string)
	EmergencyCallback  func(slave uint16, code uint16, message string)
)

// Event is one occurrence of a monitored condition.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Slave     uint16    `json:"slave,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ReactionFunc is the action bound to an event. It runs on a reaction pool
// goroutine, never on the cyclic or monitoring loop.
type ReactionFunc func(ev Event)

// AutoReaction binds an action to an event type. The action fires at most
// once per MinInterval no matter how often the event is observed.
type AutoReaction struct {
	Event       EventType     `json:"event"`
	Action      ReactionFunc  `json:"-"`
	Enabled     bool          `json:"enabled"`
	MinInterval time.Duration `json:"min_interval"`
	LastFired   time.Time     `json:"last_fired"`
}
