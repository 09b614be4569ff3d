package ecat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/rs/zerolog"
)

// mockLink echoes frames back, incrementing every working counter once.
type mockLink struct {
	mu           sync.Mutex
	ExchangeFunc func(ctx context.Context, frame []byte) ([]byte, error)
	Calls        int
	Closed       bool
}

func (m *mockLink) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.ExchangeFunc != nil {
		return m.ExchangeFunc(ctx, frame)
	}
	return echo(frame)
}

func (m *mockLink) Close() error {
	m.Closed = true
	return nil
}

func echo(frame []byte) ([]byte, error) {
	f, err := ecat.DecodeFrame(append([]byte(nil), frame...))
	if err != nil {
		return nil, err
	}
	for _, d := range f.Datagrams {
		d.WorkingCounter++
		for i := range d.Data {
			d.Data[i] ^= 0xFF
		}
	}
	return f.Encode(nil)
}

func TestBus_Exec(t *testing.T) {
	link := &mockLink{}
	bus := ecat.NewBus(link, ecat.DefaultBusConfig(), zerolog.Nop())

	buf := []byte{0x0F, 0xF0}
	if err := bus.FPRD(context.Background(), 1001, ecat.RegALStatus, buf); err != nil {
		t.Fatalf("FPRD() error = %v", err)
	}
	if buf[0] != 0xF0 || buf[1] != 0x0F {
		t.Errorf("FPRD() data = %x, want f00f", buf)
	}

	stats := bus.Stats()
	if stats.FramesSent != 1 || stats.FramesLost != 0 {
		t.Errorf("Stats() = %+v, want 1 frame sent, 0 lost", stats)
	}
	if stats.BytesSent == 0 || stats.BytesReceived == 0 {
		t.Errorf("Stats() byte counters = %d/%d, want non-zero", stats.BytesSent, stats.BytesReceived)
	}
}

func TestBus_RetriesLostFrames(t *testing.T) {
	failures := 2
	link := &mockLink{}
	link.ExchangeFunc = func(ctx context.Context, frame []byte) ([]byte, error) {
		if failures > 0 {
			failures--
			return nil, domain.ErrFrameLost
		}
		return echo(frame)
	}
	bus := ecat.NewBus(link, ecat.BusConfig{FrameTimeout: time.Millisecond, Retries: 3}, zerolog.Nop())

	if err := bus.FPWR(context.Background(), 1, ecat.RegALControl, []byte{1, 0}); err != nil {
		t.Fatalf("FPWR() error = %v", err)
	}
	if link.Calls != 3 {
		t.Errorf("Exchange calls = %d, want 3", link.Calls)
	}
	if lost := bus.Stats().FramesLost; lost != 2 {
		t.Errorf("FramesLost = %d, want 2", lost)
	}
}

func TestBus_GivesUpAfterRetries(t *testing.T) {
	link := &mockLink{ExchangeFunc: func(ctx context.Context, frame []byte) ([]byte, error) {
		return nil, domain.ErrFrameLost
	}}
	bus := ecat.NewBus(link, ecat.BusConfig{FrameTimeout: time.Millisecond, Retries: 2}, zerolog.Nop())

	err := bus.FPWR(context.Background(), 1, ecat.RegALControl, []byte{1, 0})
	if !errors.Is(err, domain.ErrFrameLost) {
		t.Errorf("FPWR() error = %v, want %v", err, domain.ErrFrameLost)
	}
	if link.Calls != 3 {
		t.Errorf("Exchange calls = %d, want 3", link.Calls)
	}
}

func TestBus_WorkingCounterMismatch(t *testing.T) {
	link := &mockLink{ExchangeFunc: func(ctx context.Context, frame []byte) ([]byte, error) {
		return frame, nil
	}}
	bus := ecat.NewBus(link, ecat.DefaultBusConfig(), zerolog.Nop())

	err := bus.FPRD(context.Background(), 7, ecat.RegALStatus, make([]byte, 2))
	if !errors.Is(err, domain.ErrWorkingCounter) {
		t.Errorf("FPRD() error = %v, want %v", err, domain.ErrWorkingCounter)
	}
}

func TestBus_RejectsMismatchedResponse(t *testing.T) {
	link := &mockLink{ExchangeFunc: func(ctx context.Context, frame []byte) ([]byte, error) {
		f := ecat.Frame{Datagrams: []*ecat.Datagram{ecat.NewDatagram(ecat.NOP, 0, 0, nil)}}
		return f.Encode(nil)
	}}
	bus := ecat.NewBus(link, ecat.DefaultBusConfig(), zerolog.Nop())

	err := bus.FPRD(context.Background(), 7, ecat.RegALStatus, make([]byte, 2))
	if !errors.Is(err, domain.ErrFrameMalformed) {
		t.Errorf("FPRD() error = %v, want %v", err, domain.ErrFrameMalformed)
	}
	if bus.Stats().FrameErrors != 1 {
		t.Errorf("FrameErrors = %d, want 1", bus.Stats().FrameErrors)
	}
}

func TestBus_LRWSumsChunks(t *testing.T) {
	link := &mockLink{}
	bus := ecat.NewBus(link, ecat.DefaultBusConfig(), zerolog.Nop())

	image := make([]byte, 2048)
	wkc, err := bus.LRW(context.Background(), 0, image)
	if err != nil {
		t.Fatalf("LRW() error = %v", err)
	}
	if wkc != 2 {
		t.Errorf("LRW() wkc = %d, want 2", wkc)
	}
	if image[0] != 0xFF || image[2047] != 0xFF {
		t.Errorf("LRW() did not copy the returned image back")
	}
}

func TestBus_Close(t *testing.T) {
	link := &mockLink{}
	bus := ecat.NewBus(link, ecat.DefaultBusConfig(), zerolog.Nop())
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !link.Closed {
		t.Error("Close() did not close the link")
	}
}
