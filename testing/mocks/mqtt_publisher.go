// Package mocks provides mock implementations for testing.
package mocks

import (
	"sync"
)

// Message is one message queued on a MockSink.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// MockSink is a mock of the MQTT publisher queue.
type MockSink struct {
	mu sync.Mutex

	// Function overrides
	EnqueueFunc func(topic string, payload []byte, retained bool) error

	// Call tracking
	EnqueueCalls int

	// Queued messages for verification
	Messages []Message
}

// NewMockSink creates a new mock sink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// Enqueue implements the mqtt.Sink interface.
func (m *MockSink) Enqueue(topic string, payload []byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EnqueueCalls++
	if m.EnqueueFunc != nil {
		if err := m.EnqueueFunc(topic, payload, retained); err != nil {
			return err
		}
	}
	m.Messages = append(m.Messages, Message{Topic: topic, Payload: append([]byte(nil), payload...), Retained: retained})
	return nil
}

// Published returns a copy of the queued messages.
func (m *MockSink) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Last returns the most recently queued message.
func (m *MockSink) Last() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Messages) == 0 {
		return Message{}, false
	}
	return m.Messages[len(m.Messages)-1], true
}

// Reset clears all state.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnqueueCalls = 0
	m.Messages = nil
}
