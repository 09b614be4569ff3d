//go:build integration
// +build integration

// Package integration provides integration tests that run against a real
// MQTT broker and the simulated ring.
package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"
)

// TestConfig holds configuration for integration tests.
type TestConfig struct {
	MQTTHost string
	MQTTPort int
}

// DefaultConfig returns the default test configuration.
// Override with environment variables.
func DefaultConfig() TestConfig {
	return TestConfig{
		MQTTHost: getEnvOrDefault("TEST_MQTT_HOST", "localhost"),
		MQTTPort: getEnvOrDefaultInt("TEST_MQTT_PORT", 1883),
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil {
			return result
		}
	}
	return defaultVal
}

// ContextWithTestTimeout returns a context with a test timeout.
func ContextWithTestTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	timeout := 30 * time.Second
	if testing.Short() {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// SkipIfNoMQTTBroker skips the test if the MQTT broker does not accept
// connections.
func SkipIfNoMQTTBroker(t *testing.T, host string, port int) {
	t.Helper()
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Skipf("no MQTT broker at %s: %v", addr, err)
	}
	conn.Close()
}

// MQTTBrokerURL returns the MQTT broker URL for testing.
func (c TestConfig) MQTTBrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

// WaitForCondition waits for a condition to become true.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
