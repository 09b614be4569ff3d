package mqtt_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/ecat-master/internal/adapter/mqtt"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/nexus-edge/ecat-master/testing/mocks"
	"github.com/rs/zerolog"
)

func newBridge(t *testing.T) (*mqtt.Bridge, *mocks.MockSink, *registry.Store) {
	t.Helper()
	sink := mocks.NewMockSink()
	store := registry.NewStore(256, zerolog.Nop())
	return mqtt.NewBridge(sink, store, "plant/line1/", zerolog.Nop()), sink, store
}

func TestBridge_SetFilter(t *testing.T) {
	b, _, _ := newBridge(t)
	if got, want := b.SetFilter(), "plant/line1/set/#"; got != want {
		t.Errorf("SetFilter() = %q, want %q", got, want)
	}
}

func TestBridge_HandleSet(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    string
	}{
		{"plain word", "plant/line1/set/%QW3", "4660", "4660"},
		{"hex word", "plant/line1/set/%QW4", "0x1234", "4660"},
		{"json number", "plant/line1/set/%MD1", `{"v": 99}`, "99"},
		{"json string", "plant/line1/set/%MD2", `{"v": "17"}`, "17"},
		{"bit", "plant/line1/set/%QX0.5", "true", "true"},
		{"marker real", "plant/line1/set/%MF0", "2.5", "2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, store := newBridge(t)
			if err := b.HandleSet(tt.topic, []byte(tt.payload)); err != nil {
				t.Fatalf("HandleSet() error = %v", err)
			}
			addr, err := registry.ParseAddress(tt.topic[len("plant/line1/set/"):])
			if err != nil {
				t.Fatalf("ParseAddress() error = %v", err)
			}
			v, err := store.Read(addr)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if got := v.String(); got != tt.want {
				t.Errorf("Read(%s) = %s, want %s", addr, got, tt.want)
			}
		})
	}
}

func TestBridge_HandleSetRejects(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"input register", "plant/line1/set/%IW0", "1", domain.ErrInvalidOperation},
		{"system register", "plant/line1/set/%SW0", "1", domain.ErrInvalidOperation},
		{"foreign topic", "other/set/%QW0", "1", domain.ErrInvalidParameter},
		{"empty payload", "plant/line1/set/%QW0", "  ", domain.ErrInvalidParameter},
		{"json without value", "plant/line1/set/%QW0", `{"x": 1}`, domain.ErrInvalidParameter},
		{"out of range", "plant/line1/set/%QB0", "300", domain.ErrDataTypeMismatch},
		{"not a number", "plant/line1/set/%QW0", "abc", domain.ErrDataTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newBridge(t)
			err := b.HandleSet(tt.topic, []byte(tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleSet() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	b, _, _ := newBridge(t)
	_ = b.HandleSet("plant/line1/set/%IW0", []byte("1"))
	_ = b.HandleSet("plant/line1/set/%QW0", []byte("1"))
	_, applied, rejected := b.Counters()
	if applied != 1 || rejected != 1 {
		t.Errorf("Counters() applied = %d rejected = %d, want 1 and 1", applied, rejected)
	}
}

func TestBridge_OnDataPoint(t *testing.T) {
	b, sink, _ := newBridge(t)
	v, err := domain.UintValue(domain.DataTypeUInt16, 567)
	if err != nil {
		t.Fatalf("UintValue() error = %v", err)
	}
	ts := time.UnixMilli(1700000000000)
	b.OnDataPoint(domain.DataPoint{Address: "%IW2", Value: v, Quality: domain.QualityGood, Timestamp: ts})

	msg, ok := sink.Last()
	if !ok {
		t.Fatal("no message queued")
	}
	if msg.Topic != "plant/line1/registers/%IW2" {
		t.Errorf("topic = %q, want %q", msg.Topic, "plant/line1/registers/%IW2")
	}
	if !msg.Retained {
		t.Error("register messages should be retained")
	}

	var payload struct {
		V  float64 `json:"v"`
		T  string  `json:"t"`
		Q  string  `json:"q"`
		TS int64   `json:"ts"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.V != 567 || payload.Q != "good" || payload.TS != ts.UnixMilli() {
		t.Errorf("payload = %+v, want v=567 q=good ts=%d", payload, ts.UnixMilli())
	}
}

func TestBridge_OnStateAndEvent(t *testing.T) {
	b, sink, _ := newBridge(t)
	b.OnState(domain.ConnectionConnected)
	b.OnEvent(domain.Event{Type: domain.EventDCSyncLost, Slave: 2, Message: "drift"})
	b.OnStatistics(domain.NetworkStatistics{TotalCycles: 10})
	b.OnLog("ring started")

	msgs := sink.Published()
	if len(msgs) != 4 {
		t.Fatalf("queued %d messages, want 4", len(msgs))
	}
	if msgs[0].Topic != "plant/line1/state" || string(msgs[0].Payload) != "connected" || !msgs[0].Retained {
		t.Errorf("state message = %+v", msgs[0])
	}
	if msgs[1].Topic != "plant/line1/events/dc_sync_lost" || msgs[1].Retained {
		t.Errorf("event message = %+v", msgs[1])
	}
	if msgs[2].Topic != "plant/line1/statistics" {
		t.Errorf("statistics topic = %q", msgs[2].Topic)
	}
	if msgs[3].Topic != "plant/line1/log" || string(msgs[3].Payload) != "ring started" {
		t.Errorf("log message = %+v", msgs[3])
	}

	published, _, _ := b.Counters()
	if published != 4 {
		t.Errorf("published = %d, want 4", published)
	}
}

func TestBridge_SinkFailureIsNotCounted(t *testing.T) {
	b, sink, _ := newBridge(t)
	sink.EnqueueFunc = func(string, []byte, bool) error { return domain.ErrMQTTNotConnected }
	b.OnState(domain.ConnectionError)

	if published, _, _ := b.Counters(); published != 0 {
		t.Errorf("published = %d, want 0", published)
	}
	if sink.EnqueueCalls != 1 {
		t.Errorf("EnqueueCalls = %d, want 1", sink.EnqueueCalls)
	}
}

func TestBridge_StartMirrorsStore(t *testing.T) {
	b, sink, store := newBridge(t)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Start(); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want %v", err, domain.ErrAlreadyRunning)
	}

	addr := registry.MustAddress(registry.CategoryInput, registry.TypeWord, 1, 0)
	v, _ := domain.UintValue(domain.DataTypeUInt16, 42)
	if err := store.Write(addr, v); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	msg, ok := sink.Last()
	if !ok || msg.Topic != "plant/line1/registers/%IW1" {
		t.Errorf("last message = %+v, want topic plant/line1/registers/%%IW1", msg)
	}

	b.Stop()
	if got := store.Subscriptions(); got != 0 {
		t.Errorf("Subscriptions() after Stop = %d, want 0", got)
	}
	sink.Reset()
	v, _ = domain.UintValue(domain.DataTypeUInt16, 43)
	_ = store.Write(addr, v)
	if sink.EnqueueCalls != 0 {
		t.Errorf("EnqueueCalls after Stop = %d, want 0", sink.EnqueueCalls)
	}
}
