package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"gopkg.in/yaml.v3"
)

// NetworkFile is the top-level ring description document.
type NetworkFile struct {
	Version string               `yaml:"version"`
	Master  domain.MasterConfig  `yaml:"master"`
	Slaves  []domain.SlaveConfig `yaml:"slaves"`
}

// LoadNetwork loads the ring description from a YAML file. Master settings
// missing from the file keep their defaults. Devices are returned in ring
// order.
func LoadNetwork(path string) (domain.MasterConfig, []domain.SlaveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.MasterConfig{}, nil, fmt.Errorf("%w: failed to read network file: %v", domain.ErrConfigLoadFailed, err)
	}
	return ParseNetwork(data)
}

// ParseNetwork parses a ring description document.
func ParseNetwork(data []byte) (domain.MasterConfig, []domain.SlaveConfig, error) {
	file := NetworkFile{Master: domain.DefaultMasterConfig()}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return domain.MasterConfig{}, nil, fmt.Errorf("%w: failed to parse network file: %v", domain.ErrConfigLoadFailed, err)
	}
	if err := file.Master.Validate(); err != nil {
		return domain.MasterConfig{}, nil, fmt.Errorf("error in master settings: %w", err)
	}
	if len(file.Slaves) == 0 {
		return domain.MasterConfig{}, nil, fmt.Errorf("%w: network file lists no slaves", domain.ErrConfigLoadFailed)
	}

	seenAddr := make(map[uint16]int)
	seenPos := make(map[uint16]int)
	for idx := range file.Slaves {
		s := &file.Slaves[idx]
		if prev, exists := seenAddr[s.Address]; exists {
			return domain.MasterConfig{}, nil, fmt.Errorf("%w: station %d at index %d (first seen at index %d)",
				domain.ErrDuplicateSlaveAddress, s.Address, idx, prev)
		}
		seenAddr[s.Address] = idx
		if prev, exists := seenPos[s.Position]; exists {
			return domain.MasterConfig{}, nil, fmt.Errorf("%w: position %d at index %d (first seen at index %d)",
				domain.ErrInvalidSlave, s.Position, idx, prev)
		}
		seenPos[s.Position] = idx

		applyMailboxDefaults(&s.Mailbox)
		if err := s.Validate(); err != nil {
			return domain.MasterConfig{}, nil, fmt.Errorf("error in slave %s: %w", s.Name(), err)
		}
	}

	sort.Slice(file.Slaves, func(i, j int) bool { return file.Slaves[i].Position < file.Slaves[j].Position })
	return file.Master, file.Slaves, nil
}

// applyMailboxDefaults fills the buffer layout, timeouts and queue size of an
// enabled mailbox that leaves them out.
func applyMailboxDefaults(m *domain.MailboxConfig) {
	if !m.Enabled {
		return
	}
	def := domain.DefaultMailboxConfig()
	if m.Buffers.WriteSize == 0 && m.Buffers.ReadSize == 0 {
		m.Buffers = def.Buffers
	}
	if m.Timeouts.Request == 0 {
		m.Timeouts.Request = def.Timeouts.Request
	}
	if m.Timeouts.Response == 0 {
		m.Timeouts.Response = def.Timeouts.Response
	}
	if m.Timeouts.Emergency == 0 {
		m.Timeouts.Emergency = def.Timeouts.Emergency
	}
	if m.MaxQueueSize == 0 {
		m.MaxQueueSize = def.MaxQueueSize
	}
}

// SaveNetwork writes a ring description to a YAML file.
func SaveNetwork(path string, master domain.MasterConfig, slaves []domain.SlaveConfig) error {
	file := NetworkFile{Version: "1.0", Master: master, Slaves: slaves}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal network: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write network file: %w", err)
	}
	return nil
}

// LoadVariables loads the network variables document. Every link must be a
// valid register address of the matching direction: %Q for outputs, %I for
// inputs.
func LoadVariables(path string) (*domain.NetworkVariablesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read variables file: %v", domain.ErrConfigLoadFailed, err)
	}
	return ParseVariables(data)
}

// ParseVariables parses a network variables document.
func ParseVariables(data []byte) (*domain.NetworkVariablesConfig, error) {
	var vars domain.NetworkVariablesConfig
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("%w: failed to parse variables file: %v", domain.ErrConfigLoadFailed, err)
	}

	seen := make(map[registry.Address]string)
	check := func(station uint16, v domain.NetVar, want registry.Category) error {
		if v.Link == "" {
			return nil
		}
		addr, err := registry.ParseAddress(v.Link)
		if err != nil {
			return fmt.Errorf("station %d entry 0x%04X:%d: %w", station, v.Index, v.SubIndex, err)
		}
		if addr.Category() != want {
			return fmt.Errorf("%w: station %d entry 0x%04X:%d links %s, want a %%%s register",
				domain.ErrInvalidAddress, station, v.Index, v.SubIndex, v.Link, want)
		}
		if prev, exists := seen[addr]; exists {
			return fmt.Errorf("%w: %s bound twice (%s and %s)", domain.ErrInvalidAddress, v.Link, prev, v.Name)
		}
		seen[addr] = v.Name
		return nil
	}

	for _, s := range vars.Slaves {
		for _, p := range s.RxPDOs {
			for _, v := range p.Entries {
				if err := check(s.Address, v, registry.CategoryOutput); err != nil {
					return nil, err
				}
			}
		}
		for _, p := range s.TxPDOs {
			for _, v := range p.Entries {
				if err := check(s.Address, v, registry.CategoryInput); err != nil {
					return nil, err
				}
			}
		}
	}
	return &vars, nil
}
