package domain

import "context"

// DeviceIO is the capability the managers receive to reach individual
// devices. It is implemented by the master on top of the ring link; managers
// never see the link, the frame layer or the master itself.
type DeviceIO interface {
	// ReadRegister reads len(buf) bytes of device memory at addr.
	ReadRegister(ctx context.Context, station uint16, addr uint16, buf []byte) error

	// WriteRegister writes data to device memory at addr.
	WriteRegister(ctx context.Context, station uint16, addr uint16, data []byte) error

	// ReadState returns the device's AL status and AL status code.
	ReadState(ctx context.Context, station uint16) (ALState, uint16, error)

	// RequestState writes the AL control register.
	RequestState(ctx context.Context, station uint16, state ALState) error
}

// ProcessImage is bounded access to the master-owned logical image. Offsets
// are byte offsets from the start of the image.
type ProcessImage interface {
	ReadImage(offset uint32, buf []byte) error
	WriteImage(offset uint32, data []byte) error

	// Modify runs fn on n bytes at offset while holding the image lock, for
	// read-modify-write of bit fields.
	Modify(offset uint32, n int, fn func(b []byte) error) error

	Size() int
}
