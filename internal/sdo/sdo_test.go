package sdo_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/ecat/sim"
	"github.com/nexus-edge/ecat-master/internal/mailbox"
	"github.com/nexus-edge/ecat-master/internal/sdo"
	"github.com/nexus-edge/ecat-master/testing/testutil"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

func setup(t *testing.T) (*sim.Ring, *sdo.Manager, uint16) {
	t.Helper()
	ring, bus := testutil.NewRing(t, 1)
	testutil.AssignStations(t, bus, 1)
	io := ecat.NewStationIO(bus)
	cfg := testutil.DriveConfig(0)

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	testutil.WriteSyncManagers(ctx, t, io, cfg)

	mb := mailbox.NewManager(io, zerolog.Nop())
	testutil.RequireNoError(t, mb.Configure(ctx, cfg.Address, cfg.Mailbox))
	return ring, sdo.NewManager(mb, sdo.DefaultConfig(), zerolog.Nop()), cfg.Address
}

// mockTransport answers every exchange through ExchangeFunc.
type mockTransport struct {
	ExchangeFunc func(payload []byte) (mailbox.Message, error)
	Calls        int
}

func (m *mockTransport) Exchange(ctx context.Context, station uint16, typ ecat.MailboxType, payload []byte, match func(mailbox.Message) bool) (mailbox.Message, error) {
	m.Calls++
	return m.ExchangeFunc(payload)
}

func TestManager_ReadSDO(t *testing.T) {
	_, m, station := setup(t)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	tests := []struct {
		name     string
		index    uint16
		subIndex uint8
		size     int
		want     []byte
	}{
		{"expedited u32", 0x1018, 1, 4, []byte{0x02, 0, 0, 0}},
		{"expedited u8", 0x6060, 0, 1, []byte{0}},
		{"normal transfer", 0x1008, 0, 13, []byte("SimDrive 1000")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ReadSDO(ctx, station, tt.index, tt.subIndex, tt.size)
			if err != nil {
				t.Fatalf("ReadSDO() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ReadSDO() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestManager_ReadSDOSizeMismatch(t *testing.T) {
	_, m, station := setup(t)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	_, err := m.ReadSDO(ctx, station, 0x1018, 1, 2)
	if !errors.Is(err, domain.ErrDataTypeMismatch) {
		t.Errorf("ReadSDO() error = %v, want %v", err, domain.ErrDataTypeMismatch)
	}
	if !errors.Is(err, domain.ErrSDORead) {
		t.Errorf("ReadSDO() error = %v, want it to wrap %v", err, domain.ErrSDORead)
	}
}

func TestManager_ReadSDOAbort(t *testing.T) {
	_, m, station := setup(t)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	_, err := m.ReadSDO(ctx, station, 0x2000, 0, 4)
	var sdoErr *sdo.Error
	if !errors.As(err, &sdoErr) {
		t.Fatalf("ReadSDO() error = %v, want *sdo.Error", err)
	}
	if sdoErr.AbortCode != ecat.SDOAbortObjectNotExist {
		t.Errorf("AbortCode = 0x%08X, want 0x%08X", sdoErr.AbortCode, ecat.SDOAbortObjectNotExist)
	}
	if sdoErr.Index != 0x2000 || sdoErr.Slave != station {
		t.Errorf("Error = %+v, want index 0x2000 on station %d", sdoErr, station)
	}
	if domain.CodeOf(err) != domain.CodeSDOReadFailed {
		t.Errorf("CodeOf() = %v, want %v", domain.CodeOf(err), domain.CodeSDOReadFailed)
	}
	if !errors.Is(err, domain.ErrCoEObjectNotFound) {
		t.Errorf("ReadSDO() error = %v, want it to wrap %v", err, domain.ErrCoEObjectNotFound)
	}
}

func TestManager_WriteSDO(t *testing.T) {
	ring, m, station := setup(t)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	tests := []struct {
		name  string
		index uint16
		data  []byte
	}{
		{"expedited", 0x607A, []byte{0x10, 0x27, 0, 0}},
		{"expedited short", 0x6060, []byte{0x08}},
		{"normal transfer", 0x1008, []byte("Renamed drive")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.WriteSDO(ctx, station, tt.index, 0, tt.data); err != nil {
				t.Fatalf("WriteSDO() error = %v", err)
			}
			got, ok := ring.Device(0).Object(tt.index, 0)
			if !ok || !bytes.Equal(got, tt.data) {
				t.Errorf("object 0x%04X = %x, want %x", tt.index, got, tt.data)
			}
		})
	}
}

func TestManager_WriteSDOAbort(t *testing.T) {
	_, m, station := setup(t)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	err := m.WriteSDO(ctx, station, 0x2000, 0, []byte{1})
	if !errors.Is(err, domain.ErrSDOWrite) {
		t.Errorf("WriteSDO() error = %v, want %v", err, domain.ErrSDOWrite)
	}
	if domain.CodeOf(err) != domain.CodeSDOWriteFailed {
		t.Errorf("CodeOf() = %v, want %v", domain.CodeOf(err), domain.CodeSDOWriteFailed)
	}
}

func TestManager_AbortDoesNotTripBreaker(t *testing.T) {
	_, m, station := setup(t)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	for i := 0; i < 10; i++ {
		_, _ = m.ReadSDO(ctx, station, 0x2000, 0, 4)
	}
	if state := m.BreakerState(station); state != gobreaker.StateClosed {
		t.Errorf("BreakerState() = %v, want %v", state, gobreaker.StateClosed)
	}
}

func TestManager_BreakerOpensOnTransportFailures(t *testing.T) {
	transport := &mockTransport{
		ExchangeFunc: func([]byte) (mailbox.Message, error) {
			return mailbox.Message{}, domain.ErrMailboxTimeout
		},
	}
	m := sdo.NewManager(transport, sdo.Config{BreakerFailures: 3, BreakerTimeout: time.Minute}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := m.ReadSDO(context.Background(), 1001, 0x1018, 1, 4)
		if !errors.Is(err, domain.ErrMailboxTimeout) {
			t.Fatalf("ReadSDO() #%d error = %v, want %v", i, err, domain.ErrMailboxTimeout)
		}
	}

	_, err := m.ReadSDO(context.Background(), 1001, 0x1018, 1, 4)
	if !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("ReadSDO() with open breaker error = %v, want %v", err, domain.ErrCircuitBreakerOpen)
	}
	if transport.Calls != 3 {
		t.Errorf("transport calls = %d, want 3", transport.Calls)
	}

	// Other stations are unaffected.
	if state := m.BreakerState(1002); state != gobreaker.StateClosed {
		t.Errorf("BreakerState(1002) = %v, want %v", state, gobreaker.StateClosed)
	}
}

func TestManager_Observer(t *testing.T) {
	_, m, station := setup(t)
	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	var reads, writes, failures int
	m.SetObserver(func(_ uint16, write bool, err error) {
		if write {
			writes++
		} else {
			reads++
		}
		if err != nil {
			failures++
		}
	})

	_, _ = m.ReadSDO(ctx, station, 0x1018, 1, 4)
	_, _ = m.ReadSDO(ctx, station, 0x2000, 0, 4)
	_ = m.WriteSDO(ctx, station, 0x6060, 0, []byte{1})

	if reads != 2 || writes != 1 || failures != 1 {
		t.Errorf("observer saw reads=%d writes=%d failures=%d, want 2, 1, 1", reads, writes, failures)
	}
}

func TestAbortText(t *testing.T) {
	if got := sdo.AbortText(ecat.SDOAbortObjectNotExist); got != "object does not exist" {
		t.Errorf("AbortText() = %q", got)
	}
	if got := sdo.AbortText(0x12345678); got != "unknown abort code" {
		t.Errorf("AbortText(unknown) = %q", got)
	}
}
