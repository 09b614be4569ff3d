package master

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nexus-edge/ecat-master/internal/domain"
)

type ioCounters struct {
	sent     atomic.Uint64
	received atomic.Uint64
	errors   atomic.Uint64
}

// countingIO wraps the station I/O handed to the managers and keeps per-device
// traffic counters for the slave state snapshots.
type countingIO struct {
	inner domain.DeviceIO

	mu       sync.RWMutex
	counters map[uint16]*ioCounters
}

func newCountingIO(inner domain.DeviceIO) *countingIO {
	return &countingIO{
		inner:    inner,
		counters: make(map[uint16]*ioCounters),
	}
}

func (c *countingIO) get(station uint16) *ioCounters {
	c.mu.RLock()
	ctr, ok := c.counters[station]
	c.mu.RUnlock()
	if ok {
		return ctr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok = c.counters[station]; !ok {
		ctr = &ioCounters{}
		c.counters[station] = ctr
	}
	return ctr
}

func (c *countingIO) ReadRegister(ctx context.Context, station uint16, addr uint16, buf []byte) error {
	ctr := c.get(station)
	if err := c.inner.ReadRegister(ctx, station, addr, buf); err != nil {
		ctr.errors.Add(1)
		return err
	}
	ctr.received.Add(uint64(len(buf)))
	return nil
}

func (c *countingIO) WriteRegister(ctx context.Context, station uint16, addr uint16, data []byte) error {
	ctr := c.get(station)
	if err := c.inner.WriteRegister(ctx, station, addr, data); err != nil {
		ctr.errors.Add(1)
		return err
	}
	ctr.sent.Add(uint64(len(data)))
	return nil
}

func (c *countingIO) ReadState(ctx context.Context, station uint16) (domain.ALState, uint16, error) {
	ctr := c.get(station)
	state, code, err := c.inner.ReadState(ctx, station)
	if err != nil {
		ctr.errors.Add(1)
		return state, code, err
	}
	ctr.received.Add(6)
	return state, code, nil
}

func (c *countingIO) RequestState(ctx context.Context, station uint16, state domain.ALState) error {
	ctr := c.get(station)
	if err := c.inner.RequestState(ctx, station, state); err != nil {
		ctr.errors.Add(1)
		return err
	}
	ctr.sent.Add(2)
	return nil
}

// traffic returns the byte counters of a device.
func (c *countingIO) traffic(station uint16) (sent, received uint64) {
	ctr := c.get(station)
	return ctr.sent.Load(), ctr.received.Load()
}
