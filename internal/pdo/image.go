package pdo

import (
	"fmt"
	"sync"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

// DefaultImageSize is the size of the logical process image.
const DefaultImageSize = 2048

// Region is a byte range of the logical image.
type Region struct {
	Offset uint32
	Length uint32
}

// Image is the master-owned logical process image. Every access goes
// through its lock; the cyclic worker takes a snapshot, exchanges it without
// the lock held and merges the input regions back.
type Image struct {
	mu  sync.RWMutex
	buf []byte
}

// NewImage allocates an image of size bytes.
func NewImage(size int) *Image {
	return &Image{buf: make([]byte, size)}
}

// Size returns the image size in bytes.
func (im *Image) Size() int { return len(im.buf) }

func (im *Image) bounds(offset uint32, n int) error {
	if n < 0 || uint64(offset)+uint64(n) > uint64(len(im.buf)) {
		return fmt.Errorf("%w: %d bytes at offset %d exceed image of %d", domain.ErrInvalidIOMap, n, offset, len(im.buf))
	}
	return nil
}

// ReadImage copies len(buf) bytes at offset into buf.
func (im *Image) ReadImage(offset uint32, buf []byte) error {
	if err := im.bounds(offset, len(buf)); err != nil {
		return err
	}
	im.mu.RLock()
	copy(buf, im.buf[offset:])
	im.mu.RUnlock()
	return nil
}

// WriteImage copies data into the image at offset.
func (im *Image) WriteImage(offset uint32, data []byte) error {
	if err := im.bounds(offset, len(data)); err != nil {
		return err
	}
	im.mu.Lock()
	copy(im.buf[offset:], data)
	im.mu.Unlock()
	return nil
}

// Modify runs fn on n bytes at offset with the write lock held.
func (im *Image) Modify(offset uint32, n int, fn func(b []byte) error) error {
	if err := im.bounds(offset, n); err != nil {
		return err
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	return fn(im.buf[offset : offset+uint32(n)])
}

// Snapshot copies the whole image into dst, which must be Size() bytes.
func (im *Image) Snapshot(dst []byte) {
	im.mu.RLock()
	copy(dst, im.buf)
	im.mu.RUnlock()
}

// Merge copies the given regions of src back into the image. Regions outside
// the image are ignored.
func (im *Image) Merge(src []byte, regions []Region) {
	im.mu.Lock()
	defer im.mu.Unlock()
	for _, r := range regions {
		end := uint64(r.Offset) + uint64(r.Length)
		if end > uint64(len(im.buf)) || end > uint64(len(src)) {
			continue
		}
		copy(im.buf[r.Offset:end], src[r.Offset:end])
	}
}

// With runs fn on the whole image with the write lock held.
func (im *Image) With(fn func(b []byte)) {
	im.mu.Lock()
	defer im.mu.Unlock()
	fn(im.buf)
}

// Clear zeroes the image.
func (im *Image) Clear() {
	im.mu.Lock()
	defer im.mu.Unlock()
	for i := range im.buf {
		im.buf[i] = 0
	}
}
