// Package config loads server configuration from a TOML file with
// environment variable overrides and built-in defaults.
package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the root server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Events   EventsConfig   `toml:"events"`
	Watchdog WatchdogConfig `toml:"watchdog"`
	Workers  WorkersConfig  `toml:"workers"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// HTTPPort is the port the control plane listens on.
	HTTPPort string `toml:"http_port"`

	// AuthToken, when non-empty, is required as a bearer token on every
	// HTTP call and on the initial WS/SSE handshake.
	AuthToken string `toml:"auth_token"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// EventsConfig controls event fan-out to subscribers.
type EventsConfig struct {
	// SubscriberBuffer is the bounded per-subscriber channel capacity.
	// Overflow severs the subscription with a backpressure close reason.
	SubscriberBuffer int `toml:"subscriber_buffer"`

	// WriteTimeout bounds a single WebSocket/SSE write.
	WriteTimeout Duration `toml:"write_timeout"`

	// CatchupPageSize is the number of persisted events fetched per page
	// while replaying history to a resuming subscriber.
	CatchupPageSize int `toml:"catchup_page_size"`
}

// WatchdogConfig controls the three periodic budget/liveness scanners.
// Each scanner is a pure function of the store; restarting the server never
// double-fires a transition.
type WatchdogConfig struct {
	// QueueWaitInterval is how often pending rows are checked against
	// their queue-wait budgets.
	QueueWaitInterval Duration `toml:"queue_wait_interval"`

	// ExecutionInterval is how often claimed jobs and pending completions
	// are checked against execution/finalization budgets.
	ExecutionInterval Duration `toml:"execution_interval"`

	// HeartbeatInterval is how often claimed jobs are checked for lost
	// workers.
	HeartbeatInterval Duration `toml:"heartbeat_interval"`

	// DefaultQueueWaitBudget applies to rows enqueued without a budget.
	// Zero disables the queue-wait check for such rows.
	DefaultQueueWaitBudget Duration `toml:"default_queue_wait_budget"`

	// DefaultExecutionBudget applies to jobs enqueued without one.
	DefaultExecutionBudget Duration `toml:"default_execution_budget"`

	// DefaultFinalizationBudget applies to jobs enqueued without one.
	DefaultFinalizationBudget Duration `toml:"default_finalization_budget"`

	// MaxRequeues bounds automatic worker-lost requeues per job before the
	// job fails with reason "worker-lost".
	MaxRequeues int `toml:"max_requeues"`

	// SLOWindow is the rolling window for p50/p95 rollups.
	SLOWindow Duration `toml:"slo_window"`
}

// WorkersConfig controls worker registry liveness.
type WorkersConfig struct {
	// TTL is the heartbeat age beyond which a worker is offline.
	TTL Duration `toml:"ttl"`

	// Grace is added to TTL before a claimed job is considered orphaned.
	Grace Duration `toml:"grace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: "8080",
			LogLevel: "info",
		},
		Events: EventsConfig{
			SubscriberBuffer: 256,
			WriteTimeout:     Duration{10 * time.Second},
			CatchupPageSize:  200,
		},
		Watchdog: WatchdogConfig{
			QueueWaitInterval:         Duration{5 * time.Second},
			ExecutionInterval:         Duration{10 * time.Second},
			HeartbeatInterval:         Duration{10 * time.Second},
			DefaultQueueWaitBudget:    Duration{0},
			DefaultExecutionBudget:    Duration{15 * time.Minute},
			DefaultFinalizationBudget: Duration{5 * time.Minute},
			MaxRequeues:               3,
			SLOWindow:                 Duration{1 * time.Hour},
		},
		Workers: WorkersConfig{
			TTL:   Duration{30 * time.Second},
			Grace: Duration{15 * time.Second},
		},
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Server.HTTPPort == "" {
		return fmt.Errorf("server.http_port is required")
	}
	if c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("events.subscriber_buffer must be positive")
	}
	if c.Events.CatchupPageSize <= 0 {
		return fmt.Errorf("events.catchup_page_size must be positive")
	}
	if c.Watchdog.MaxRequeues < 0 {
		return fmt.Errorf("watchdog.max_requeues must not be negative")
	}
	if c.Workers.TTL.Duration <= 0 {
		return fmt.Errorf("workers.ttl must be positive")
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level must be debug, info, warn, or error (got %q)", c.Server.LogLevel)
	}
	return nil
}
