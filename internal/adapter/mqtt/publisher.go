// Package mqtt connects the master to an MQTT broker: register changes,
// events and the connection state are published, output writes are
// received on a set topic.
package mqtt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher owns the broker connection. Messages are queued and published by
// a single goroutine, so producers never wait on the network.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	reconnecting  atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
	topicMu       sync.RWMutex
	topicStats    map[string]*TopicStat
	subMu         sync.Mutex
	subs          map[string]MessageHandler
}

// MessageHandler receives messages of a subscribed topic filter.
type MessageHandler func(topic string, payload []byte)

// TopicStat tracks publish activity for a given topic.
type TopicStat struct {
	Topic            string    `json:"topic"`
	Count            uint64    `json:"count"`
	LastPublished    time.Time `json:"last_published"`
	LastPayloadBytes int       `json:"last_payload_bytes"`
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	BufferSize     int
	PublishTimeout time.Duration
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher performance metrics.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "ecmaster",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     10000,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a new MQTT publisher.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	if config.BufferSize == 0 {
		config.BufferSize = 10000
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		topicStats:    make(map[string]*TopicStat),
		subs:          make(map[string]MessageHandler),
	}
}

// ActiveTopics returns the most recently published topics, sorted by recency.
// If limit <= 0, a default limit of 200 is used.
func (p *Publisher) ActiveTopics(limit int) []TopicStat {
	if limit <= 0 {
		limit = 200
	}

	p.topicMu.RLock()
	out := make([]TopicStat, 0, len(p.topicStats))
	for _, stat := range p.topicStats {
		out = append(out, *stat)
	}
	p.topicMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPublished.After(out[j].LastPublished)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (p *Publisher) recordTopicPublish(topic string, payloadBytes int) {
	p.topicMu.Lock()
	defer p.topicMu.Unlock()

	stat, ok := p.topicStats[topic]
	if !ok {
		stat = &TopicStat{Topic: topic}
		p.topicStats[topic] = stat
	}
	stat.Count++
	stat.LastPublished = time.Now()
	stat.LastPayloadBytes = payloadBytes
}

// Connect establishes the connection to the MQTT broker and starts the
// publishing goroutine.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")
	token := client.Connect()

	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	// The handler may not have fired yet.
	p.connected.Store(true)
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.processBuffer()

	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect drains the queue and disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// Enqueue queues a message for publishing. It never blocks: when the queue
// is full the oldest message is dropped.
func (p *Publisher) Enqueue(topic string, payload []byte, retained bool) error {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  retained,
		Timestamp: time.Now(),
	}

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
	}

	select {
	case <-p.messageBuffer:
		p.stats.MessagesDropped.Add(1)
	default:
	}
	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		p.stats.MessagesDropped.Add(1)
		return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
	}
}

// Publish publishes a message and waits for the broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return p.publishRaw(ctx, topic, payload, p.config.QoS, retained)
}

func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Publish(topic, qos, retained, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case success := <-publishDone:
		if !success {
			p.failed()
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.failed()
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.failed()
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	p.recordTopicPublish(topic, len(payload))
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true)
	}
	return nil
}

func (p *Publisher) failed() {
	p.stats.MessagesFailed.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(false)
	}
}

// processBuffer publishes queued messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				// Put it back and wait for the connection.
				select {
				case p.messageBuffer <- msg:
				default:
					p.stats.MessagesDropped.Add(1)
				}
				select {
				case <-p.done:
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			p.publishBuffered(msg)
		}
	}
}

func (p *Publisher) publishBuffered(msg *BufferedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()
	if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
		p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				p.publishBuffered(msg)
			}
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

// Subscribe registers handler for a topic filter. Subscriptions are renewed
// after every reconnect.
func (p *Publisher) Subscribe(filter string, handler MessageHandler) error {
	p.subMu.Lock()
	p.subs[filter] = handler
	p.subMu.Unlock()

	if !p.connected.Load() {
		return nil
	}
	return p.subscribe(filter, handler)
}

func (p *Publisher) subscribe(filter string, handler MessageHandler) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Subscribe(filter, p.config.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(p.config.ConnectTimeout) {
		return fmt.Errorf("%w: subscribe %s timed out", domain.ErrMQTTConnectionFailed, filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", domain.ErrMQTTConnectionFailed, filter, err)
	}
	p.logger.Info().Str("filter", filter).Msg("Subscribed")
	return nil
}

// onConnect is called when the client connects to the broker.
func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	p.reconnecting.Store(false)
	p.logger.Info().Msg("MQTT connection established")

	p.subMu.Lock()
	subs := make(map[string]MessageHandler, len(p.subs))
	for f, h := range p.subs {
		subs[f] = h
	}
	p.subMu.Unlock()

	// Subscribing waits on the client, which must not happen on its own
	// callback goroutine.
	go func() {
		for f, h := range subs {
			if err := p.subscribe(f, h); err != nil {
				p.logger.Warn().Err(err).Str("filter", f).Msg("Failed to renew subscription")
			}
		}
	}()
}

// onConnectionLost is called when the connection is lost.
func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// onReconnecting is called when the client is attempting to reconnect.
func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.reconnecting.Store(true)
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() map[string]uint64 {
	return map[string]uint64{
		"published": p.stats.MessagesPublished.Load(),
		"failed":    p.stats.MessagesFailed.Load(),
		"buffered":  p.stats.MessagesBuffered.Load(),
		"dropped":   p.stats.MessagesDropped.Load(),
		"bytes":     p.stats.BytesSent.Load(),
		"reconnect": p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
