// Package domain contains the core entities and interfaces of the fieldbus
// master. Everything here is independent of the wire format and of the link
// used to reach the ring.
package domain

import (
	"fmt"
	"time"
)

// SlaveInfo is the identity a device reports in its EEPROM.
type SlaveInfo struct {
	Name        string `json:"name" yaml:"name"`
	VendorID    uint32 `json:"vendor_id" yaml:"vendor_id"`
	ProductCode uint32 `json:"product_code" yaml:"product_code"`
	RevisionNo  uint32 `json:"revision_no" yaml:"revision_no"`
	SerialNo    uint32 `json:"serial_no" yaml:"serial_no"`
}

// SyncManagerType is the function a sync manager channel serves.
type SyncManagerType uint8

const (
	SyncManagerUnused       SyncManagerType = 0
	SyncManagerMailboxWrite SyncManagerType = 1 // master -> slave mailbox
	SyncManagerMailboxRead  SyncManagerType = 2 // slave -> master mailbox
	SyncManagerOutputs      SyncManagerType = 3
	SyncManagerInputs       SyncManagerType = 4

	DefaultSyncManagerChannels = 4
)

// SyncManagerConfig describes one sync manager channel of a device.
type SyncManagerConfig struct {
	Index        uint8           `json:"index" yaml:"index"`
	StartAddress uint16          `json:"start_address" yaml:"start_address"`
	Length       uint16          `json:"length" yaml:"length"`
	Control      uint8           `json:"control" yaml:"control"`
	Enable       bool            `json:"enable" yaml:"enable"`
	Type         SyncManagerType `json:"type" yaml:"type"`
}

// FMMUType is the direction an FMMU maps.
type FMMUType uint8

const (
	FMMUUnused    FMMUType = 0
	FMMURead      FMMUType = 1 // device memory -> logical image (inputs)
	FMMUWrite     FMMUType = 2 // logical image -> device memory (outputs)
	FMMUReadWrite FMMUType = 3

	DefaultFMMUChannels = 3
)

// FMMUConfig maps a slice of device memory into the logical image.
type FMMUConfig struct {
	Index            uint8    `json:"index" yaml:"index"`
	LogicalStart     uint32   `json:"logical_start" yaml:"logical_start"`
	Length           uint16   `json:"length" yaml:"length"`
	LogicalStartBit  uint8    `json:"logical_start_bit" yaml:"logical_start_bit"`
	LogicalEndBit    uint8    `json:"logical_end_bit" yaml:"logical_end_bit"`
	PhysicalStart    uint16   `json:"physical_start" yaml:"physical_start"`
	PhysicalStartBit uint8    `json:"physical_start_bit" yaml:"physical_start_bit"`
	Type             FMMUType `json:"type" yaml:"type"`
	Enable           bool     `json:"enable" yaml:"enable"`
}

// MailboxProtocols lists the acyclic protocols a device supports.
type MailboxProtocols struct {
	CoE bool `json:"coe" yaml:"coe"`
	FoE bool `json:"foe" yaml:"foe"`
	EoE bool `json:"eoe" yaml:"eoe"`
	SoE bool `json:"soe" yaml:"soe"`
}

// Any reports whether at least one protocol is enabled.
func (p MailboxProtocols) Any() bool {
	return p.CoE || p.FoE || p.EoE || p.SoE
}

// MailboxBuffers is the mailbox geometry in device memory. The write buffer is
// where the master places requests, the read buffer where the device answers.
type MailboxBuffers struct {
	WriteOffset uint16 `json:"write_offset" yaml:"write_offset"`
	WriteSize   uint16 `json:"write_size" yaml:"write_size"`
	ReadOffset  uint16 `json:"read_offset" yaml:"read_offset"`
	ReadSize    uint16 `json:"read_size" yaml:"read_size"`
}

// MailboxTimeouts bounds every blocking mailbox operation.
type MailboxTimeouts struct {
	Request   time.Duration `json:"request" yaml:"request"`
	Response  time.Duration `json:"response" yaml:"response"`
	Emergency time.Duration `json:"emergency" yaml:"emergency"`
}

// MailboxConfig holds the per-device mailbox settings.
type MailboxConfig struct {
	Enabled      bool             `json:"enabled" yaml:"enabled"`
	Protocols    MailboxProtocols `json:"protocols" yaml:"protocols"`
	Buffers      MailboxBuffers   `json:"buffers" yaml:"buffers"`
	Timeouts     MailboxTimeouts  `json:"timeouts" yaml:"timeouts"`
	MaxQueueSize int              `json:"max_queue_size" yaml:"max_queue_size"`
	AutoProcess  bool             `json:"auto_process" yaml:"auto_process"`
}

// DefaultMailboxConfig returns the mailbox layout used when a device does not
// describe its own.
func DefaultMailboxConfig() MailboxConfig {
	return MailboxConfig{
		Enabled:   true,
		Protocols: MailboxProtocols{CoE: true},
		Buffers: MailboxBuffers{
			WriteOffset: 0x1000,
			WriteSize:   128,
			ReadOffset:  0x1100,
			ReadSize:    128,
		},
		Timeouts: MailboxTimeouts{
			Request:   2 * time.Second,
			Response:  2 * time.Second,
			Emergency: 5 * time.Second,
		},
		MaxQueueSize: 10,
		AutoProcess:  true,
	}
}

// DistributedClockConfig holds the per-device DC settings.
type DistributedClockConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	CycleTime  time.Duration `json:"cycle_time" yaml:"cycle_time"`
	ShiftTime  time.Duration `json:"shift_time" yaml:"shift_time"`
	Activation uint16        `json:"activation" yaml:"activation"`
}

// InitCommand is an SDO download executed during a state transition.
type InitCommand struct {
	Transition string `json:"transition" yaml:"transition"` // e.g. "PS" for PREOP->SAFEOP
	Index      uint16 `json:"index" yaml:"index"`
	SubIndex   uint8  `json:"subindex" yaml:"subindex"`
	Data       []byte `json:"data" yaml:"data"`
	Comment    string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// ErrorHandling is the recovery policy for one device.
type ErrorHandling struct {
	AutoRecovery     bool          `json:"auto_recovery" yaml:"auto_recovery"`
	RecoveryAttempts int           `json:"recovery_attempts" yaml:"recovery_attempts"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
}

// SlaveConfig is the full, typed description of one device on the ring.
type SlaveConfig struct {
	// Position is the zero-based place in the ring.
	Position uint16 `json:"position" yaml:"position"`

	// Address is the configured station address assigned during init.
	Address uint16 `json:"address" yaml:"address"`

	Info          SlaveInfo              `json:"info" yaml:"info"`
	DC            DistributedClockConfig `json:"dc" yaml:"dc"`
	Mailbox       MailboxConfig          `json:"mailbox" yaml:"mailbox"`
	InitCommands  []InitCommand          `json:"init_commands,omitempty" yaml:"init_commands,omitempty"`
	SyncManagers  []SyncManagerConfig    `json:"sync_managers" yaml:"sync_managers"`
	FMMUs         []FMMUConfig           `json:"fmmus" yaml:"fmmus"`
	RxPDOs        []PDO                  `json:"rx_pdos,omitempty" yaml:"rx_pdos,omitempty"`
	TxPDOs        []PDO                  `json:"tx_pdos,omitempty" yaml:"tx_pdos,omitempty"`
	ErrorHandling ErrorHandling          `json:"error_handling" yaml:"error_handling"`
}

// Name returns the device name, falling back to its position.
func (s *SlaveConfig) Name() string {
	if s.Info.Name != "" {
		return s.Info.Name
	}
	return fmt.Sprintf("slave-%d", s.Position)
}

// Validate checks the configuration for structural errors.
func (s *SlaveConfig) Validate() error {
	if s.Address == 0 {
		return fmt.Errorf("%w: slave %d has no station address", ErrInvalidSlave, s.Position)
	}
	seenSM := make(map[uint8]bool, len(s.SyncManagers))
	for _, sm := range s.SyncManagers {
		if seenSM[sm.Index] {
			return fmt.Errorf("%w: duplicate sync manager %d", ErrInvalidParameter, sm.Index)
		}
		seenSM[sm.Index] = true
	}
	seenFMMU := make(map[uint8]bool, len(s.FMMUs))
	for _, f := range s.FMMUs {
		if seenFMMU[f.Index] {
			return fmt.Errorf("%w: duplicate fmmu %d", ErrInvalidParameter, f.Index)
		}
		seenFMMU[f.Index] = true
	}
	for i := range s.RxPDOs {
		if err := s.RxPDOs[i].Validate(); err != nil {
			return fmt.Errorf("rx pdo 0x%04X: %w", s.RxPDOs[i].Index, err)
		}
	}
	for i := range s.TxPDOs {
		if err := s.TxPDOs[i].Validate(); err != nil {
			return fmt.Errorf("tx pdo 0x%04X: %w", s.TxPDOs[i].Index, err)
		}
	}
	return nil
}

// SyncManagerCount returns the number of sync manager channels the device
// exposes. Channels are indexed from zero.
func (s *SlaveConfig) SyncManagerCount() int {
	n := DefaultSyncManagerChannels
	for _, sm := range s.SyncManagers {
		if int(sm.Index)+1 > n {
			n = int(sm.Index) + 1
		}
	}
	return n
}

// FMMUCount returns the number of FMMU channels the device exposes.
func (s *SlaveConfig) FMMUCount() int {
	n := DefaultFMMUChannels
	for _, f := range s.FMMUs {
		if int(f.Index)+1 > n {
			n = int(f.Index) + 1
		}
	}
	return n
}

// HasMailbox reports whether any mailbox protocol is configured.
func (s *SlaveConfig) HasMailbox() bool {
	return s.Mailbox.Enabled && s.Mailbox.Protocols.Any()
}

// NetworkSettings describes how the master reaches the ring.
type NetworkSettings struct {
	Link         string        `json:"link" yaml:"link"`
	Interface    string        `json:"interface" yaml:"interface"`
	RemoteAddr   string        `json:"remote_addr" yaml:"remote_addr"`
	FrameTimeout time.Duration `json:"frame_timeout" yaml:"frame_timeout"`
	FrameRetries int           `json:"frame_retries" yaml:"frame_retries"`
}

// CycleSettings controls the cyclic exchange timing.
type CycleSettings struct {
	CycleTime         time.Duration `json:"cycle_time" yaml:"cycle_time"`
	MinCycleTime      time.Duration `json:"min_cycle_time" yaml:"min_cycle_time"`
	MaxCycleTime      time.Duration `json:"max_cycle_time" yaml:"max_cycle_time"`
	Adaptive          bool          `json:"adaptive" yaml:"adaptive"`
	SmoothingFactor   float64       `json:"smoothing_factor" yaml:"smoothing_factor"`
	WKCErrorThreshold int           `json:"wkc_error_threshold" yaml:"wkc_error_threshold"`
}

// DriftCompensation controls the DC drift worker.
type DriftCompensation struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	MaxDriftNs int64         `json:"max_drift_ns" yaml:"max_drift_ns"`
	Interval   time.Duration `json:"interval" yaml:"interval"`
}

// DCSettings holds the ring-wide distributed clock settings.
type DCSettings struct {
	SyncWindow        time.Duration     `json:"sync_window" yaml:"sync_window"`
	DriftCompensation DriftCompensation `json:"drift_compensation" yaml:"drift_compensation"`
}

// MasterConfig holds the ring-wide master settings.
type MasterConfig struct {
	Name         string          `json:"name" yaml:"name"`
	Network      NetworkSettings `json:"network" yaml:"network"`
	Cycle        CycleSettings   `json:"cycle" yaml:"cycle"`
	DC           DCSettings      `json:"dc" yaml:"dc"`
	StateTimeout time.Duration   `json:"state_timeout" yaml:"state_timeout"`
}

// DefaultMasterConfig returns a MasterConfig with sensible defaults.
func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		Name: "ecmaster",
		Network: NetworkSettings{
			Link:         "udp",
			FrameTimeout: 10 * time.Millisecond,
			FrameRetries: 3,
		},
		Cycle: CycleSettings{
			CycleTime:         time.Millisecond,
			MinCycleTime:      500 * time.Microsecond,
			MaxCycleTime:      2 * time.Millisecond,
			Adaptive:          true,
			SmoothingFactor:   0.2,
			WKCErrorThreshold: 10,
		},
		DC: DCSettings{
			SyncWindow: time.Microsecond,
			DriftCompensation: DriftCompensation{
				Enabled:    true,
				MaxDriftNs: 1000,
				Interval:   10 * time.Second,
			},
		},
		StateTimeout: 2 * time.Second,
	}
}

// Validate checks the timing relationships of the configuration.
func (c *MasterConfig) Validate() error {
	if c.Cycle.CycleTime <= 0 {
		return fmt.Errorf("%w: cycle time must be positive", ErrInvalidParameter)
	}
	if c.Cycle.MinCycleTime > c.Cycle.MaxCycleTime {
		return fmt.Errorf("%w: min cycle time %v exceeds max %v", ErrInvalidParameter, c.Cycle.MinCycleTime, c.Cycle.MaxCycleTime)
	}
	if c.Cycle.SmoothingFactor < 0 || c.Cycle.SmoothingFactor > 1 {
		return fmt.Errorf("%w: smoothing factor must be within [0,1]", ErrInvalidParameter)
	}
	if c.DC.DriftCompensation.Enabled && c.DC.DriftCompensation.MaxDriftNs <= 0 {
		return fmt.Errorf("%w: max drift must be positive", ErrInvalidParameter)
	}
	return nil
}
