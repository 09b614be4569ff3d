package ecat

import (
	"context"
	"encoding/binary"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// StationIO implements domain.DeviceIO with station-addressed commands.
type StationIO struct {
	bus *Bus
}

// NewStationIO returns a DeviceIO on top of bus.
func NewStationIO(bus *Bus) *StationIO {
	return &StationIO{bus: bus}
}

// ReadRegister implements domain.DeviceIO.
func (s *StationIO) ReadRegister(ctx context.Context, station, addr uint16, buf []byte) error {
	return s.bus.FPRD(ctx, station, addr, buf)
}

// WriteRegister implements domain.DeviceIO.
func (s *StationIO) WriteRegister(ctx context.Context, station, addr uint16, data []byte) error {
	return s.bus.FPWR(ctx, station, addr, data)
}

// ReadState implements domain.DeviceIO.
func (s *StationIO) ReadState(ctx context.Context, station uint16) (domain.ALState, uint16, error) {
	buf := make([]byte, 6)
	if err := s.bus.FPRD(ctx, station, RegALStatus, buf); err != nil {
		return domain.StateNone, 0, err
	}
	return domain.ALState(buf[0]), binary.LittleEndian.Uint16(buf[4:6]), nil
}

// RequestState implements domain.DeviceIO. The error flag is acknowledged
// with every request.
func (s *StationIO) RequestState(ctx context.Context, station uint16, state domain.ALState) error {
	control := uint16(state.Base() | domain.StateErrorFlag)
	return s.bus.FPWR(ctx, station, RegALControl, binary.LittleEndian.AppendUint16(nil, control))
}
