package fmmu_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/fmmu"
	"github.com/nexus-edge/ecat-master/testing/mocks"
	"github.com/rs/zerolog"
)

func outputs() domain.FMMUConfig {
	return domain.FMMUConfig{Index: 0, LogicalStart: 0x10, Length: 6, PhysicalStart: 0x1800, Type: domain.FMMUWrite, Enable: true}
}

func inputs() domain.FMMUConfig {
	return domain.FMMUConfig{Index: 1, LogicalStart: 0x400, Length: 6, PhysicalStart: 0x1A00, Type: domain.FMMURead, Enable: true}
}

func TestManager_Configure(t *testing.T) {
	io := mocks.NewMockDeviceIO()
	m := fmmu.NewManager(io, 2048, zerolog.Nop())
	m.Register(1001, 3)
	ctx := context.Background()

	if err := m.ConfigureAll(ctx, 1001, []domain.FMMUConfig{outputs(), inputs()}); err != nil {
		t.Fatalf("ConfigureAll() error = %v", err)
	}

	reg := io.Memory(1001, ecat.FMMUAddr(1), ecat.FMMULen)
	if got := binary.LittleEndian.Uint32(reg[ecat.FMMUOffsetLogStart:]); got != 0x400 {
		t.Errorf("logical start register = %#x, want 0x400", got)
	}
	if got := binary.LittleEndian.Uint16(reg[ecat.FMMUOffsetPhysStart:]); got != 0x1A00 {
		t.Errorf("physical start register = %#x, want 0x1a00", got)
	}
	if reg[ecat.FMMUOffsetLogEndBit] != 7 {
		t.Errorf("logical end bit = %d, want 7", reg[ecat.FMMUOffsetLogEndBit])
	}
	if reg[ecat.FMMUOffsetType] != uint8(domain.FMMURead) || reg[ecat.FMMUOffsetActivate] != ecat.FMMUActivateEnable {
		t.Errorf("type/activate = %d/%d, want %d/1", reg[ecat.FMMUOffsetType], reg[ecat.FMMUOffsetActivate], domain.FMMURead)
	}

	start, err := m.LogicalStartAddress(1001, 0)
	if err != nil || start != 0x10 {
		t.Errorf("LogicalStartAddress() = %#x, %v, want 0x10", start, err)
	}
	typ, err := m.Type(1001, 1)
	if err != nil || typ != domain.FMMURead {
		t.Errorf("Type() = %v, %v, want %v", typ, err, domain.FMMURead)
	}
	if region, ok := m.Region(1001, domain.FMMUWrite); !ok || region.Index != 0 {
		t.Errorf("Region(write) = %+v, %v, want channel 0", region, ok)
	}
	if got := m.TotalLength(); got != 12 {
		t.Errorf("TotalLength() = %d, want 12", got)
	}
}

func TestManager_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.FMMUConfig
		wantErr error
	}{
		{"index out of range", domain.FMMUConfig{Index: 3, Length: 1, Enable: true}, domain.ErrFMMU},
		{"outside image", domain.FMMUConfig{Index: 0, LogicalStart: 2040, Length: 16, Type: domain.FMMURead, Enable: true}, domain.ErrFMMUConfig},
		{"zero length", domain.FMMUConfig{Index: 0, Type: domain.FMMURead, Enable: true}, domain.ErrFMMUConfig},
		{"bad type", domain.FMMUConfig{Index: 0, Length: 2, Type: 9, Enable: true}, domain.ErrFMMUConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			io := mocks.NewMockDeviceIO()
			m := fmmu.NewManager(io, 2048, zerolog.Nop())
			m.Register(1001, 3)

			if err := m.Configure(context.Background(), 1001, tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Configure() error = %v, want %v", err, tt.wantErr)
			}
			if io.WriteRegisterCalls != 0 {
				t.Errorf("WriteRegister called %d times for an invalid descriptor", io.WriteRegisterCalls)
			}
		})
	}
}

func TestManager_WriteFailure(t *testing.T) {
	io := mocks.NewMockDeviceIO()
	io.WriteRegisterFunc = func(ctx context.Context, station, addr uint16, data []byte) error {
		return domain.ErrWorkingCounter
	}
	m := fmmu.NewManager(io, 2048, zerolog.Nop())
	m.Register(1001, 3)

	if err := m.Configure(context.Background(), 1001, outputs()); !errors.Is(err, domain.ErrFMMUConfig) {
		t.Errorf("Configure() error = %v, want %v", err, domain.ErrFMMUConfig)
	}
	if got := m.Mappings(1001); len(got) != 0 {
		t.Errorf("Mappings() = %v after failure, want none", got)
	}
}

func TestManager_Enable(t *testing.T) {
	io := mocks.NewMockDeviceIO()
	m := fmmu.NewManager(io, 2048, zerolog.Nop())
	m.Register(1001, 3)
	ctx := context.Background()

	if err := m.Configure(ctx, 1001, outputs()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := m.Enable(ctx, 1001, 0, false); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if enabled, _ := m.IsEnabled(1001, 0); enabled {
		t.Error("IsEnabled() = true after disable")
	}
	if active, _ := m.IsActive(ctx, 1001, 0); active {
		t.Error("IsActive() = true after disable")
	}
	if got := m.TotalLength(); got != 0 {
		t.Errorf("TotalLength() = %d with no enabled mapping, want 0", got)
	}
}
