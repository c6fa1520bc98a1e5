// Package config handles configuration loading and validation for tracepipe.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"tracepipe/internal/logging"
)

// Config holds the complete pipeline configuration.
type Config struct {
	// Delivery configuration for the remote collector.
	Delivery DeliveryConfig `toml:"delivery"`

	// Buffer configuration for the in-memory staging queues.
	Buffer BufferConfig `toml:"buffer"`

	// Overflow configuration for the durable overflow store.
	Overflow OverflowConfig `toml:"overflow"`

	// Heartbeat configuration for the liveness signal.
	Heartbeat HeartbeatConfig `toml:"heartbeat"`

	// Schema configuration for custom-event payload validation.
	Schema SchemaConfig `toml:"schema"`

	// Logging configuration.
	Logging logging.Config `toml:"logging"`
}

// DeliveryConfig configures the collector transport.
type DeliveryConfig struct {
	// Endpoint is the collector base URL. Empty disables delivery: flushes
	// issue no network calls and never clear the buffers, so events remain
	// available for export.
	Endpoint string `toml:"endpoint"`

	// APIKey is sent as X-API-Key on every request.
	APIKey string `toml:"api_key"`

	// AppID identifies the host application in session payloads.
	AppID string `toml:"app_id"`

	// UserID optionally attributes the session to an end user.
	UserID string `toml:"user_id"`

	// TimeoutSec bounds one delivery attempt.
	TimeoutSec int `toml:"timeout_sec"`
}

// BufferConfig configures the staging queues and flush cadence.
type BufferConfig struct {
	// BatchSize is the visual-queue length that triggers a flush.
	BatchSize int `toml:"batch_size"`

	// FlushIntervalSec is the periodic flush timer; it only flushes when
	// some buffer is non-empty.
	FlushIntervalSec int `toml:"flush_interval_sec"`
}

// OverflowConfig configures the durable overflow store.
type OverflowConfig struct {
	// Enabled turns local persistence on. When off, durability degrades
	// silently to memory-only.
	Enabled bool `toml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path"`

	// MaxLocalEvents caps single-event records; oldest are evicted beyond it.
	MaxLocalEvents int `toml:"max_local_events"`
}

// HeartbeatConfig configures the liveness signal.
type HeartbeatConfig struct {
	// IntervalSec between heartbeats.
	IntervalSec int `toml:"interval_sec"`
}

// SchemaConfig configures optional custom-event payload validation.
type SchemaConfig struct {
	// Path is a JSON Schema file applied to custom-event payloads.
	// Empty disables validation.
	Path string `toml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Delivery: DeliveryConfig{
			TimeoutSec: 30,
		},
		Buffer: BufferConfig{
			BatchSize:        50,
			FlushIntervalSec: 30,
		},
		Overflow: OverflowConfig{
			Enabled:        true,
			MaxLocalEvents: 1000,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSec: 60,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file, layered over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Buffer.BatchSize <= 0 {
		return fmt.Errorf("buffer.batch_size must be positive, got %d", c.Buffer.BatchSize)
	}
	if c.Buffer.FlushIntervalSec <= 0 {
		return fmt.Errorf("buffer.flush_interval_sec must be positive, got %d", c.Buffer.FlushIntervalSec)
	}
	if c.Heartbeat.IntervalSec <= 0 {
		return fmt.Errorf("heartbeat.interval_sec must be positive, got %d", c.Heartbeat.IntervalSec)
	}
	if c.Overflow.Enabled && c.Overflow.Path == "" {
		return fmt.Errorf("overflow.path is required when overflow is enabled")
	}
	if c.Overflow.MaxLocalEvents < 0 {
		return fmt.Errorf("overflow.max_local_events must not be negative, got %d", c.Overflow.MaxLocalEvents)
	}
	if c.Delivery.TimeoutSec <= 0 {
		return fmt.Errorf("delivery.timeout_sec must be positive, got %d", c.Delivery.TimeoutSec)
	}
	return nil
}

// FlushInterval returns the periodic flush timer as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Buffer.FlushIntervalSec) * time.Second
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSec) * time.Second
}

// DeliveryTimeout returns the per-attempt delivery bound as a duration.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Delivery.TimeoutSec) * time.Second
}
