package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/rs/zerolog"
)

// Topic layout below the configured prefix.
const (
	topicRegisters  = "registers"
	topicEvents     = "events"
	topicState      = "state"
	topicStatistics = "statistics"
	topicLog        = "log"
	topicSet        = "set"
)

// Sink queues outgoing messages. It must not block.
type Sink interface {
	Enqueue(topic string, payload []byte, retained bool) error
}

// Store is the register store the bridge mirrors.
type Store interface {
	Write(a registry.Address, v domain.Value) error
	Subscribe(addrs []registry.Address, fn registry.Handler) (string, error)
	Unsubscribe(id string) error
}

// Bridge mirrors register changes, events and the connection state to MQTT
// and applies output writes received on <prefix>/set/<address>.
type Bridge struct {
	sink   Sink
	store  Store
	prefix string
	logger zerolog.Logger

	mu    sync.Mutex
	subID string

	published atomic.Uint64
	applied   atomic.Uint64
	rejected  atomic.Uint64
}

// NewBridge creates a bridge publishing below prefix.
func NewBridge(sink Sink, store Store, prefix string, logger zerolog.Logger) *Bridge {
	return &Bridge{
		sink:   sink,
		store:  store,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger.With().Str("component", "mqtt-bridge").Logger(),
	}
}

// Start subscribes to every register change.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subID != "" {
		return domain.ErrAlreadyRunning
	}
	id, err := b.store.Subscribe(nil, b.OnDataPoint)
	if err != nil {
		return err
	}
	b.subID = id
	return nil
}

// Stop ends the register subscription.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subID == "" {
		return
	}
	if err := b.store.Unsubscribe(b.subID); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to unsubscribe from registers")
	}
	b.subID = ""
}

// SetFilter returns the topic filter output writes arrive on.
func (b *Bridge) SetFilter() string {
	return b.topic(topicSet, "#")
}

// OnDataPoint publishes a register change. It runs on the writer's
// goroutine, the cyclic worker included.
func (b *Bridge) OnDataPoint(dp domain.DataPoint) {
	payload, err := json.Marshal(dp.ToPayload())
	if err != nil {
		b.logger.Warn().Err(err).Str("register", dp.Address).Msg("Failed to encode register change")
		return
	}
	b.enqueue(b.topic(topicRegisters, dp.Address), payload, true)
}

// OnEvent publishes a monitoring event.
func (b *Bridge) OnEvent(ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b.enqueue(b.topic(topicEvents, string(ev.Type)), payload, false)
}

// OnState publishes the connection state as a retained message.
func (b *Bridge) OnState(state domain.ConnectionState) {
	b.enqueue(b.topic(topicState), []byte(state), true)
}

// OnStatistics publishes the network statistics.
func (b *Bridge) OnStatistics(stats domain.NetworkStatistics) {
	payload, err := json.Marshal(stats)
	if err != nil {
		return
	}
	b.enqueue(b.topic(topicStatistics), payload, false)
}

// OnLog publishes a master lifecycle message.
func (b *Bridge) OnLog(message string) {
	b.enqueue(b.topic(topicLog), []byte(message), false)
}

func (b *Bridge) enqueue(topic string, payload []byte, retained bool) {
	if err := b.sink.Enqueue(topic, payload, retained); err != nil {
		b.logger.Debug().Err(err).Str("topic", topic).Msg("Dropped message")
		return
	}
	b.published.Add(1)
}

// HandleSet applies one write received on the set topic. Only output and
// marker registers are writable. The payload is either the plain value or
// a JSON object {"v": value}.
func (b *Bridge) HandleSet(topic string, payload []byte) error {
	err := b.handleSet(topic, payload)
	if err != nil {
		b.rejected.Add(1)
		b.logger.Warn().Err(err).Str("topic", topic).Msg("Rejected register write")
		return err
	}
	b.applied.Add(1)
	return nil
}

func (b *Bridge) handleSet(topic string, payload []byte) error {
	base := b.topic(topicSet) + "/"
	if !strings.HasPrefix(topic, base) {
		return fmt.Errorf("%w: topic %q is not below %q", domain.ErrInvalidParameter, topic, base)
	}
	addr, err := registry.ParseAddress(strings.TrimPrefix(topic, base))
	if err != nil {
		return err
	}
	if !addr.Writable() {
		return fmt.Errorf("%w: %s is read-only", domain.ErrInvalidOperation, addr)
	}

	text, err := valueText(payload)
	if err != nil {
		return err
	}
	v, err := domain.ParseValue(addr.DataType(), text)
	if err != nil {
		return err
	}
	return b.store.Write(addr, v)
}

// valueText extracts the textual value from a set payload.
func valueText(payload []byte) (string, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty payload", domain.ErrInvalidParameter)
	}
	if payload[0] != '{' {
		return string(payload), nil
	}

	var msg struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidParameter, err)
	}
	if len(msg.V) == 0 {
		return "", fmt.Errorf("%w: payload has no \"v\" field", domain.ErrInvalidParameter)
	}
	var s string
	if err := json.Unmarshal(msg.V, &s); err == nil {
		return s, nil
	}
	return string(msg.V), nil
}

// Counters returns how many messages were queued and how many writes were
// applied and rejected.
func (b *Bridge) Counters() (published, applied, rejected uint64) {
	return b.published.Load(), b.applied.Load(), b.rejected.Load()
}

func (b *Bridge) topic(parts ...string) string {
	return b.prefix + "/" + strings.Join(parts, "/")
}
