// Package logging builds the zerolog loggers of the master and the context
// helpers components derive their child loggers with.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level, encoding and destination of the log.
type Config struct {
	Level      string
	Format     string // json or console
	Output     string // stdout, stderr or a file path
	TimeFormat string
	NoColor    bool
}

// DefaultConfig returns JSON logging at info level on stdout.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339Nano,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by LOG_LEVEL, LOG_FORMAT and
// LOG_OUTPUT. It is used before the service configuration is loaded.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Output = v
	}
	return cfg
}

// New creates the bootstrap logger from the environment.
func New(serviceName, version string) zerolog.Logger {
	return NewWithConfig(serviceName, version, ConfigFromEnv())
}

// NewWithConfig creates a logger tagged with the service name and version.
// An output file that cannot be opened falls back to stderr. Caller
// locations are added at debug level and below.
func NewWithConfig(serviceName, version string, cfg Config) zerolog.Logger {
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	zerolog.DurationFieldUnit = time.Millisecond

	out, openErr := openOutput(cfg.Output)
	if cfg.Format == "console" || cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.NoColor}
	}

	level := parseLevel(cfg.Level)
	ctx := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version)
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()

	if openErr != nil {
		logger.Warn().Err(openErr).Msg("Logging to stderr")
	}
	return logger
}

func openOutput(dest string) (io.Writer, error) {
	switch dest {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stderr, fmt.Errorf("open log file %s: %w", dest, err)
	}
	return f, nil
}

// parseLevel maps a level name to zerolog, accepting "warning" for warn.
// Unknown names log at info.
func parseLevel(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// With returns a child logger carrying fields.
func With(logger zerolog.Logger, fields map[string]interface{}) zerolog.Logger {
	return logger.With().Fields(fields).Logger()
}

// Error logs err at error level.
func Error(logger zerolog.Logger, err error, msg string) {
	logger.Error().Err(err).Msg(msg)
}

// WithSlaveContext tags a logger with the ring position, station address
// and name of a device.
func WithSlaveContext(logger zerolog.Logger, position, station uint16, name string) zerolog.Logger {
	return logger.With().
		Uint16("position", position).
		Uint16("station", station).
		Str("slave_name", name).
		Logger()
}

// WithCycleContext tags a logger with the cyclic exchange counters of one
// cycle: its sequence number and the working counter against the expected one.
func WithCycleContext(logger zerolog.Logger, cycle uint64, wkc, expectedWKC uint16) zerolog.Logger {
	return logger.With().
		Uint64("cycle", cycle).
		Uint16("wkc", wkc).
		Uint16("expected_wkc", expectedWKC).
		Logger()
}

// WithRequestContext tags a logger with an API request.
func WithRequestContext(logger zerolog.Logger, requestID, method, path string) zerolog.Logger {
	return logger.With().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Logger()
}
