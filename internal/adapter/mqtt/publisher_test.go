package mqtt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/ecat-master/internal/adapter/mqtt"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := mqtt.DefaultConfig()

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"BrokerURL", cfg.BrokerURL, "tcp://localhost:1883"},
		{"ClientID", cfg.ClientID, "ecmaster"},
		{"CleanSession", cfg.CleanSession, true},
		{"QoS", cfg.QoS, byte(1)},
		{"KeepAlive", cfg.KeepAlive, 30 * time.Second},
		{"ConnectTimeout", cfg.ConnectTimeout, 10 * time.Second},
		{"ReconnectDelay", cfg.ReconnectDelay, 5 * time.Second},
		{"BufferSize", cfg.BufferSize, 10000},
		{"PublishTimeout", cfg.PublishTimeout, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, tt.got)
			}
		})
	}
}

func TestPublisher_EnqueueDropsOldest(t *testing.T) {
	p := mqtt.NewPublisher(mqtt.Config{BufferSize: 2}, zerolog.Nop(), nil)

	for _, topic := range []string{"a", "b", "c"} {
		if err := p.Enqueue(topic, []byte("x"), false); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", topic, err)
		}
	}
	if got := p.BufferSize(); got != 2 {
		t.Errorf("BufferSize() = %d, want 2", got)
	}
	stats := p.Stats()
	if stats["buffered"] != 3 || stats["dropped"] != 1 {
		t.Errorf("Stats() = %v, want buffered 3 and dropped 1", stats)
	}
}

func TestPublisher_Disconnected(t *testing.T) {
	p := mqtt.NewPublisher(mqtt.DefaultConfig(), zerolog.Nop(), nil)

	if p.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if err := p.Publish(context.Background(), "t", []byte("x"), false); !errors.Is(err, domain.ErrMQTTNotConnected) {
		t.Errorf("Publish() error = %v, want ErrMQTTNotConnected", err)
	}
	if err := p.HealthCheck(context.Background()); !errors.Is(err, domain.ErrMQTTNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrMQTTNotConnected", err)
	}
	// Subscriptions made before the connection are applied on connect.
	if err := p.Subscribe("ecmaster/set/#", func(string, []byte) {}); err != nil {
		t.Errorf("Subscribe() error = %v", err)
	}
	if topics := p.ActiveTopics(0); len(topics) != 0 {
		t.Errorf("ActiveTopics() = %v, want none", topics)
	}
}
