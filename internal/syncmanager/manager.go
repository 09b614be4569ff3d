// Package syncmanager configures and queries the sync manager channels of
// the devices on the ring.
package syncmanager

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/rs/zerolog"
)

type device struct {
	channels int
	configs  map[uint8]domain.SyncManagerConfig
}

// Manager caches the sync manager table of every registered device. All
// methods are serialized by one lock so configuration from different paths
// cannot interleave on the same device.
type Manager struct {
	io      domain.DeviceIO
	logger  zerolog.Logger
	mu      sync.Mutex
	devices map[uint16]*device
}

// NewManager creates a Manager that reaches devices through io.
func NewManager(io domain.DeviceIO, logger zerolog.Logger) *Manager {
	return &Manager{
		io:      io,
		logger:  logger.With().Str("component", "sync-manager").Logger(),
		devices: make(map[uint16]*device),
	}
}

// Register declares a device and the number of channels it exposes.
// Registering again resets the cached table.
func (m *Manager) Register(station uint16, channels int) {
	if channels <= 0 {
		channels = domain.DefaultSyncManagerChannels
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[station] = &device{channels: channels, configs: make(map[uint8]domain.SyncManagerConfig)}
}

// lookup validates the device and channel index. Callers hold m.mu.
func (m *Manager) lookup(station uint16, index uint8) (*device, error) {
	d, ok := m.devices[station]
	if !ok {
		return nil, fmt.Errorf("%w: station %d", domain.ErrInvalidSlave, station)
	}
	if int(index) >= d.channels {
		return nil, fmt.Errorf("%w: channel %d out of range, device %d has %d", domain.ErrSyncManager, index, station, d.channels)
	}
	return d, nil
}

func encode(cfg domain.SyncManagerConfig) []byte {
	b := make([]byte, ecat.SyncManagerLen)
	binary.LittleEndian.PutUint16(b[ecat.SMOffsetPhysStart:], cfg.StartAddress)
	binary.LittleEndian.PutUint16(b[ecat.SMOffsetLength:], cfg.Length)
	b[ecat.SMOffsetControl] = cfg.Control
	if cfg.Enable {
		b[ecat.SMOffsetActivate] = ecat.SMActivateEnable
	}
	return b
}

// Configure writes one channel descriptor to the device.
func (m *Manager) Configure(ctx context.Context, station uint16, cfg domain.SyncManagerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(station, cfg.Index)
	if err != nil {
		return err
	}
	if cfg.Enable && cfg.Length == 0 {
		return fmt.Errorf("%w: channel %d enabled with zero length", domain.ErrSyncManagerConfig, cfg.Index)
	}
	if err := m.io.WriteRegister(ctx, station, ecat.SyncManagerAddr(cfg.Index), encode(cfg)); err != nil {
		return fmt.Errorf("%w: channel %d: %v", domain.ErrSyncManagerConfig, cfg.Index, err)
	}
	d.configs[cfg.Index] = cfg

	m.logger.Debug().
		Uint16("station", station).
		Uint8("channel", cfg.Index).
		Uint16("start", cfg.StartAddress).
		Uint16("length", cfg.Length).
		Bool("enable", cfg.Enable).
		Msg("Sync manager configured")
	return nil
}

// ConfigureAll writes every descriptor in order and stops at the first
// failure.
func (m *Manager) ConfigureAll(ctx context.Context, station uint16, cfgs []domain.SyncManagerConfig) error {
	for _, cfg := range cfgs {
		if err := m.Configure(ctx, station, cfg); err != nil {
			return err
		}
	}
	return nil
}

// UpdateConfiguration disables the channel, rewrites it and restores the
// requested enable state.
func (m *Manager) UpdateConfiguration(ctx context.Context, station uint16, cfg domain.SyncManagerConfig) error {
	if err := m.Enable(ctx, station, cfg.Index, false); err != nil {
		return err
	}
	return m.Configure(ctx, station, cfg)
}

// Config returns the cached descriptor of a channel.
func (m *Manager) Config(station uint16, index uint8) (domain.SyncManagerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(station, index)
	if err != nil {
		return domain.SyncManagerConfig{}, err
	}
	cfg, ok := d.configs[index]
	if !ok {
		return domain.SyncManagerConfig{}, fmt.Errorf("%w: channel %d not configured", domain.ErrSyncManager, index)
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
		activate = ecat.SMActivateEnable
	}
	if err := m.io.WriteRegister(ctx, station, ecat.SyncManagerAddr(index)+ecat.SMOffsetActivate, []byte{activate}); err != nil {
		return fmt.Errorf("%w: channel %d: %v", domain.ErrSyncManagerConfig, index, err)
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
	if err := m.io.ReadRegister(ctx, station, ecat.SyncManagerAddr(index)+ecat.SMOffsetActivate, buf); err != nil {
		return false, fmt.Errorf("%w: channel %d: %v", domain.ErrSyncManager, index, err)
	}
	return buf[0]&ecat.SMActivateEnable != 0, nil
}

// StartAddress returns the physical start address of a channel.
func (m *Manager) StartAddress(station uint16, index uint8) (uint16, error) {
	cfg, err := m.Config(station, index)
	return cfg.StartAddress, err
}

// Length returns the length of a channel.
func (m *Manager) Length(station uint16, index uint8) (uint16, error) {
	cfg, err := m.Config(station, index)
	return cfg.Length, err
}

// ChannelCount returns the number of channels registered for a device.
func (m *Manager) ChannelCount(station uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[station]; ok {
		return d.channels
	}
	return 0
}
