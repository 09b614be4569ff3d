// Package fmmu configures the memory-mapping units that place device memory
// into the master's logical image.
package fmmu

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/rs/zerolog"
)

type device struct {
	channels int
	configs  map[uint8]domain.FMMUConfig
}

// Manager caches the FMMU table of every registered device.
type Manager struct {
	io        domain.DeviceIO
	imageSize uint32
	logger    zerolog.Logger
	mu        sync.Mutex
	devices   map[uint16]*device
}

// NewManager creates a Manager. Mappings must fit within imageSize bytes of
// logical address space.
func NewManager(io domain.DeviceIO, imageSize int, logger zerolog.Logger) *Manager {
	return &Manager{
		io:        io,
		imageSize: uint32(imageSize),
		logger:    logger.With().Str("component", "fmmu-manager").Logger(),
		devices:   make(map[uint16]*device),
	}
}

// Register declares a device and the number of FMMU channels it exposes.
func (m *Manager) Register(station uint16, channels int) {
	if channels <= 0 {
		channels = domain.DefaultFMMUChannels
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[station] = &device{channels: channels, configs: make(map[uint8]domain.FMMUConfig)}
}

func (m *Manager) lookup(station uint16, index uint8) (*device, error) {
	d, ok := m.devices[station]
	if !ok {
		return nil, fmt.Errorf("%w: station %d", domain.ErrInvalidSlave, station)
	}
	if int(index) >= d.channels {
		return nil, fmt.Errorf("%w: channel %d out of range, device %d has %d", domain.ErrFMMU, index, station, d.channels)
	}
	return d, nil
}

func encode(cfg domain.FMMUConfig) []byte {
	b := make([]byte, ecat.FMMULen)
	binary.LittleEndian.PutUint32(b[ecat.FMMUOffsetLogStart:], cfg.LogicalStart)
	binary.LittleEndian.PutUint16(b[ecat.FMMUOffsetLength:], cfg.Length)
	b[ecat.FMMUOffsetLogStartBit] = cfg.LogicalStartBit
	endBit := cfg.LogicalEndBit
	if endBit == 0 {
		endBit = 7
	}
	b[ecat.FMMUOffsetLogEndBit] = endBit
	binary.LittleEndian.PutUint16(b[ecat.FMMUOffsetPhysStart:], cfg.PhysicalStart)
	b[ecat.FMMUOffsetPhysStartBit] = cfg.PhysicalStartBit
	b[ecat.FMMUOffsetType] = uint8(cfg.Type)
	if cfg.Enable {
		b[ecat.FMMUOffsetActivate] = ecat.FMMUActivateEnable
	}
	return b
}

// Configure validates and writes one FMMU descriptor.
func (m *Manager) Configure(ctx context.Context, station uint16, cfg domain.FMMUConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(station, cfg.Index)
	if err != nil {
		return err
	}
	if cfg.Type > domain.FMMUReadWrite {
		return fmt.Errorf("%w: channel %d has unknown type %d", domain.ErrFMMUConfig, cfg.Index, cfg.Type)
	}
	if cfg.Enable && cfg.Length == 0 {
		return fmt.Errorf("%w: channel %d enabled with zero length", domain.ErrFMMUConfig, cfg.Index)
	}
	if end := uint64(cfg.LogicalStart) + uint64(cfg.Length); end > uint64(m.imageSize) {
		return fmt.Errorf("%w: channel %d maps [%d,%d) outside the %d byte image", domain.ErrFMMUConfig, cfg.Index, cfg.LogicalStart, end, m.imageSize)
	}
	if err := m.io.WriteRegister(ctx, station, ecat.FMMUAddr(cfg.Index), encode(cfg)); err != nil {
		return fmt.Errorf("%w: channel %d: %v", domain.ErrFMMUConfig, cfg.Index, err)
	}
	d.configs[cfg.Index] = cfg

	m.logger.Debug().
		Uint16("station", station).
		Uint8("channel", cfg.Index).
		Uint32("logical_start", cfg.LogicalStart).
		Uint16("length", cfg.Length).
		Uint16("physical_start", cfg.PhysicalStart).
		Uint8("type", uint8(cfg.Type)).
		Msg("FMMU configured")
	return nil
}

// ConfigureAll writes every descriptor in order and stops at the first
// failure.
func (m *Manager) ConfigureAll(ctx context.Context, station uint16, cfgs []domain.FMMUConfig) error {
	for _, cfg := range cfgs {
		if err := m.Configure(ctx, station, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the cached descriptor of a channel.
func (m *Manager) Config(station uint16, index uint8) (domain.FMMUConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(station, index)
	if err != nil {
		return domain.FMMUConfig{}, err
	}
	cfg, ok := d.configs[index]
	if !ok {
		return domain.FMMUConfig{}, fmt.Errorf("%w: channel %d not configured", domain.ErrFMMU, index)
	}
	return cfg, nil
}

// Enable activates or deactivates a channel.
func (m *Manager) Enable(ctx context.Context, station uint16, index uint8, enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(station, index)
	if err != nil {
		return err
	}
	var activate byte
	if enable {
		activate = ecat.FMMUActivateEnable
	}
	if err := m.io.WriteRegister(ctx, station, ecat.FMMUAddr(index)+ecat.FMMUOffsetActivate, []byte{activate}); err != nil {
		return fmt.Errorf("%w: channel %d: %v", domain.ErrFMMUConfig, index, err)
	}
	cfg := d.configs[index]
	cfg.Index = index
	cfg.Enable = enable
	d.configs[index] = cfg
	return nil
}

// IsEnabled reports the cached enable state of a channel.
func (m *Manager) IsEnabled(station uint16, index uint8) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(station, index)
	if err != nil {
		return false, err
	}
	return d.configs[index].Enable, nil
}

// IsActive reads the activation register from the device.
func (m *Manager) IsActive(ctx context.Context, station uint16, index uint8) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(station, index); err != nil {
		return false, err
	}
	buf := make([]byte, 1)
	if err := m.io.ReadRegister(ctx, station, ecat.FMMUAddr(index)+ecat.FMMUOffsetActivate, buf); err != nil {
		return false, fmt.Errorf("%w: channel %d: %v", domain.ErrFMMU, index, err)
	}
	return buf[0]&ecat.FMMUActivateEnable != 0, nil
}

// LogicalStartAddress returns the logical start of a channel.
func (m *Manager) LogicalStartAddress(station uint16, index uint8) (uint32, error) {
	cfg, err := m.Config(station, index)
	return cfg.LogicalStart, err
}

// Length returns the mapped length of a channel.
func (m *Manager) Length(station uint16, index uint8) (uint16, error) {
	cfg, err := m.Config(station, index)
	return cfg.Length, err
}

// Type returns the direction of a channel.
func (m *Manager) Type(station uint16, index uint8) (domain.FMMUType, error) {
	cfg, err := m.Config(station, index)
	return cfg.Type, err
}

// Mappings returns the enabled descriptors of a device ordered by channel.
func (m *Manager) Mappings(station uint16) []domain.FMMUConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[station]
	if !ok {
		return nil
	}
	out := make([]domain.FMMUConfig, 0, len(d.configs))
	for _, cfg := range d.configs {
		if cfg.Enable {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Region returns the first enabled mapping of the given type.
func (m *Manager) Region(station uint16, typ domain.FMMUType) (domain.FMMUConfig, bool) {
	for _, cfg := range m.Mappings(station) {
		if cfg.Type == typ {
			return cfg, true
		}
	}
	return domain.FMMUConfig{}, false
}

// TotalLength returns the summed length of every enabled mapping.
func (m *Manager) TotalLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, d := range m.devices {
		for _, cfg := range d.configs {
			if cfg.Enable {
				total += int(cfg.Length)
			}
		}
	}
	return total
}
