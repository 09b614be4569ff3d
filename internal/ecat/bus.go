package ecat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/rs/zerolog"
)

// Link moves one encoded frame to the ring and returns the frame that came
// back. Implementations return domain.ErrFrameLost when nothing returned
// before the context deadline.
type Link interface {
	Exchange(ctx context.Context, frame []byte) ([]byte, error)
	Close() error
}

// BusConfig holds frame execution settings.
type BusConfig struct {
	// FrameTimeout bounds a single exchange.
	FrameTimeout time.Duration

	// Retries is the number of additional attempts after a lost frame.
	Retries int
}

// DefaultBusConfig returns a BusConfig with sensible defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		FrameTimeout: 10 * time.Millisecond,
		Retries:      3,
	}
}

// BusStats tracks frame level counters.
type BusStats struct {
	FramesSent    atomic.Uint64
	FramesLost    atomic.Uint64
	FrameErrors   atomic.Uint64
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64
}

// BusStatsSnapshot is a point-in-time copy of BusStats.
type BusStatsSnapshot struct {
	FramesSent    uint64 `json:"frames_sent"`
	FramesLost    uint64 `json:"frames_lost"`
	FrameErrors   uint64 `json:"frame_errors"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
}

// Bus executes datagrams over a Link. One frame is in flight at a time.
type Bus struct {
	link   Link
	config BusConfig
	logger zerolog.Logger
	mu     sync.Mutex
	index  uint8
	out    []byte
	stats  BusStats
}

// NewBus creates a Bus on top of link.
func NewBus(link Link, config BusConfig, logger zerolog.Logger) *Bus {
	if config.FrameTimeout <= 0 {
		config.FrameTimeout = 10 * time.Millisecond
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	return &Bus{
		link:   link,
		config: config,
		logger: logger.With().Str("component", "ecat-bus").Logger(),
		out:    make([]byte, 0, MaxFrameLen),
	}
}

// Exec sends the datagrams in one frame and fills in the returned payloads
// and working counters. Lost frames are retried up to the configured limit.
func (b *Bus) Exec(ctx context.Context, dgs ...*Datagram) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame := Frame{Datagrams: dgs}
	for _, d := range dgs {
		d.Index = b.index
		b.index++
	}
	out, err := frame.Encode(b.out)
	if err != nil {
		return err
	}
	b.out = out

	var lastErr error
	for attempt := 0; attempt <= b.config.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = b.exchangeOnce(ctx, dgs, out)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, domain.ErrFrameLost) {
			return lastErr
		}
		b.logger.Debug().Int("attempt", attempt+1).Msg("Frame lost, retrying")
	}
	return lastErr
}

func (b *Bus) exchangeOnce(ctx context.Context, dgs []*Datagram, out []byte) error {
	exCtx, cancel := context.WithTimeout(ctx, b.config.FrameTimeout)
	defer cancel()

	b.stats.FramesSent.Add(1)
	b.stats.BytesSent.Add(uint64(len(out)))

	in, err := b.link.Exchange(exCtx, out)
	if err != nil {
		if errors.Is(err, domain.ErrFrameLost) || errors.Is(err, context.DeadlineExceeded) {
			b.stats.FramesLost.Add(1)
			return fmt.Errorf("%w: %v", domain.ErrFrameLost, err)
		}
		b.stats.FrameErrors.Add(1)
		return fmt.Errorf("%w: %v", domain.ErrPhysicalLayer, err)
	}
	b.stats.BytesReceived.Add(uint64(len(in)))

	resp, err := DecodeFrame(in)
	if err != nil {
		b.stats.FrameErrors.Add(1)
		return err
	}
	if len(resp.Datagrams) != len(dgs) {
		b.stats.FrameErrors.Add(1)
		return fmt.Errorf("%w: sent %d datagrams, received %d", domain.ErrFrameMalformed, len(dgs), len(resp.Datagrams))
	}
	for i, d := range dgs {
		r := resp.Datagrams[i]
		if r.Index != d.Index || r.Command != d.Command || len(r.Data) != len(d.Data) {
			b.stats.FrameErrors.Add(1)
			return fmt.Errorf("%w: datagram %d does not match request", domain.ErrFrameMalformed, i)
		}
		copy(d.Data, r.Data)
		d.WorkingCounter = r.WorkingCounter
	}
	return nil
}

// Stats returns a snapshot of the frame counters.
func (b *Bus) Stats() BusStatsSnapshot {
	return BusStatsSnapshot{
		FramesSent:    b.stats.FramesSent.Load(),
		FramesLost:    b.stats.FramesLost.Load(),
		FrameErrors:   b.stats.FrameErrors.Load(),
		BytesSent:     b.stats.BytesSent.Load(),
		BytesReceived: b.stats.BytesReceived.Load(),
	}
}

// Close closes the underlying link.
func (b *Bus) Close() error {
	return b.link.Close()
}

// exec1 runs a single datagram and checks its working counter.
func (b *Bus) exec1(ctx context.Context, d *Datagram, wantWKC uint16) error {
	if err := b.Exec(ctx, d); err != nil {
		return err
	}
	return CheckWKC(d, wantWKC)
}

// FPRD reads buf from the device with the given station address.
func (b *Bus) FPRD(ctx context.Context, station, reg uint16, buf []byte) error {
	return b.exec1(ctx, NewDatagram(FPRD, station, reg, buf), 1)
}

// FPWR writes data to the device with the given station address.
func (b *Bus) FPWR(ctx context.Context, station, reg uint16, data []byte) error {
	buf := append([]byte(nil), data...)
	return b.exec1(ctx, NewDatagram(FPWR, station, reg, buf), 1)
}

// APRD reads buf from the device at ring position pos.
func (b *Bus) APRD(ctx context.Context, pos, reg uint16, buf []byte) error {
	return b.exec1(ctx, NewDatagram(APRD, -pos, reg, buf), 1)
}

// APWR writes data to the device at ring position pos.
func (b *Bus) APWR(ctx context.Context, pos, reg uint16, data []byte) error {
	buf := append([]byte(nil), data...)
	return b.exec1(ctx, NewDatagram(APWR, -pos, reg, buf), 1)
}

// BRD reads a register from every device; the payloads are ORed together.
// It returns the number of devices that answered.
func (b *Bus) BRD(ctx context.Context, reg uint16, buf []byte) (uint16, error) {
	d := NewDatagram(BRD, 0, reg, buf)
	if err := b.Exec(ctx, d); err != nil {
		return 0, err
	}
	return d.WorkingCounter, nil
}

// BWR writes a register on every device and returns how many accepted it.
func (b *Bus) BWR(ctx context.Context, reg uint16, data []byte) (uint16, error) {
	d := NewDatagram(BWR, 0, reg, append([]byte(nil), data...))
	if err := b.Exec(ctx, d); err != nil {
		return 0, err
	}
	return d.WorkingCounter, nil
}

// FRMW reads a register from the station and writes it to every other device.
func (b *Bus) FRMW(ctx context.Context, station, reg uint16, buf []byte) (uint16, error) {
	d := NewDatagram(FRMW, station, reg, buf)
	if err := b.Exec(ctx, d); err != nil {
		return 0, err
	}
	return d.WorkingCounter, nil
}

// LogicalChunks splits a logical range of size bytes into pieces that fit a
// single datagram. Each piece is [start, end).
func LogicalChunks(size int) [][2]int {
	var chunks [][2]int
	for start := 0; start < size; start += MaxDatagramData {
		end := start + MaxDatagramData
		if end > size {
			end = size
		}
		chunks = append(chunks, [2]int{start, end})
	}
	return chunks
}

// LRW exchanges image in place with the logical address space starting at
// logical. Images larger than one datagram are sent as consecutive frames.
// It returns the sum of the working counters of all pieces.
func (b *Bus) LRW(ctx context.Context, logical uint32, image []byte) (uint16, error) {
	var wkc uint16
	for _, c := range LogicalChunks(len(image)) {
		d := NewLogicalDatagram(LRW, logical+uint32(c[0]), image[c[0]:c[1]])
		if err := b.Exec(ctx, d); err != nil {
			return wkc, err
		}
		wkc += d.WorkingCounter
	}
	return wkc, nil
}
