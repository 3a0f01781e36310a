// Package config defines the coordination core's structured configuration
// value. It is a plain Go struct tree constructed by the
// embedding program; the core never reads CLI flags, environment
// variables, or config files.
package config

import (
	"time"

	"github.com/projectint/paliproxy-core/model"
)

// Config is the full set of options recognized by the core.
type Config struct {
	// MaxReconnectAttempts bounds per-tunnel recovery attempts before the
	// Supervisor delegates to the Scheduler. Must be >= 1.
	MaxReconnectAttempts int

	// HealthCheckInterval is the period between Prober invocations.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds a single Prober call.
	HealthCheckTimeout time.Duration

	// RequestConcurrency sizes the façade's request-concurrency
	// semaphore. Defaults to 10.
	RequestConcurrency int

	// Buffer configures the Request Buffer.
	Buffer BufferConfig

	// DelayedSwitch configures the Deferred Switch Scheduler.
	DelayedSwitch DelayedSwitchConfig

	// Tunnels seeds the Tunnel Registry. If empty, the core performs no
	// fallback discovery; supplying tunnels some other way is the
	// embedding program's concern.
	Tunnels []model.TunnelDescriptor
}

// BufferConfig configures the Request Buffer.
type BufferConfig struct {
	// MaxSize bounds the number of buffered requests. Defaults to 256.
	MaxSize int

	// ProcessingInterval is the auto-drainer's wake period. Defaults to 1s.
	ProcessingInterval time.Duration

	// MaxRetries is the number of re-attempts for a failing buffered
	// request before it resolves with retry-exhausted. Defaults to 2.
	MaxRetries int

	// TimeoutMs bounds how long a buffered request may wait before it is
	// evicted with a buffer-timeout error. Defaults to 30s.
	TimeoutMs int

	// PriorityWeights assigns sort weights to each priority class.
	// Defaults to {critical:1000, high:100, normal:10, low:1}.
	PriorityWeights PriorityWeights
}

// PriorityWeights assigns relative sort weights used by the Request
// Buffer's ordering and the façade's priority enum.
type PriorityWeights struct {
	Critical int
	High     int
	Normal   int
	Low      int
}

// DelayedSwitchConfig configures the Deferred Switch Scheduler:
// thresholds keyed by the Scheduler's priority-level mapping, a maximum
// delay, a grace period, and an enabled flag. Enabled=false disables the
// Scheduler entirely; recovery falls back to an immediate ConnectToBest.
type DelayedSwitchConfig struct {
	Enabled bool

	// Thresholds, in priority-level units (low=10, normal=30, high=60,
	// critical=80, emergency=100). Must satisfy
	// Immediate >= Fast >= Normal >= Slow > 0.
	Immediate int
	Fast      int
	Normal    int
	Slow      int

	MaxDelay    time.Duration
	GracePeriod time.Duration
}

// WithDefaults returns a copy of cfg with zero-valued fields replaced by
// the documented defaults. The pointer argument may be nil, in which case
// every field takes its default.
func WithDefaults(cfg *Config) Config {
	var out Config
	if cfg != nil {
		out = *cfg
	}

	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 3
	}
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = 10 * time.Second
	}
	if out.HealthCheckTimeout <= 0 {
		out.HealthCheckTimeout = 2 * time.Second
	}
	if out.RequestConcurrency <= 0 {
		out.RequestConcurrency = 10
	}

	if out.Buffer.MaxSize <= 0 {
		out.Buffer.MaxSize = 256
	}
	if out.Buffer.ProcessingInterval <= 0 {
		out.Buffer.ProcessingInterval = time.Second
	}
	if out.Buffer.MaxRetries <= 0 {
		out.Buffer.MaxRetries = 2
	}
	if out.Buffer.TimeoutMs <= 0 {
		out.Buffer.TimeoutMs = 30_000
	}
	if out.Buffer.PriorityWeights == (PriorityWeights{}) {
		out.Buffer.PriorityWeights = PriorityWeights{Critical: 1000, High: 100, Normal: 10, Low: 1}
	}

	delayedSwitchUntouched := out.DelayedSwitch == (DelayedSwitchConfig{})

	if out.DelayedSwitch.MaxDelay <= 0 {
		out.DelayedSwitch.MaxDelay = 60 * time.Second
	}
	if out.DelayedSwitch.GracePeriod <= 0 {
		out.DelayedSwitch.GracePeriod = 10 * time.Second
	}
	if out.DelayedSwitch.Immediate == 0 && out.DelayedSwitch.Fast == 0 &&
		out.DelayedSwitch.Normal == 0 && out.DelayedSwitch.Slow == 0 {
		out.DelayedSwitch.Immediate = 90
		out.DelayedSwitch.Fast = 70
		out.DelayedSwitch.Normal = 50
		out.DelayedSwitch.Slow = 30
	}
	if delayedSwitchUntouched {
		// A bool field has no unset sentinel distinct from false, so the
		// nil-tolerant pattern used for the numeric fields above can't apply
		// to Enabled directly. Treat "the caller never touched this group at
		// all" (true for a nil Config, or a Config{} that left DelayedSwitch
		// zero) as the signal to default it on; a caller who sets any other
		// field here is assumed to also set Enabled explicitly.
		out.DelayedSwitch.Enabled = true
	}

	return out
}

// Validate checks the configuration invariants, returning a *ConfigError
// describing the first violation found.
func (c Config) Validate() error {
	t := c.DelayedSwitch
	if t.Immediate < t.Fast || t.Fast < t.Normal || t.Normal < t.Slow || t.Slow <= 0 {
		return &ConfigError{Reason: "delayed switch thresholds must satisfy immediate >= fast >= normal >= slow > 0"}
	}
	if c.MaxReconnectAttempts < 1 {
		return &ConfigError{Reason: "maxReconnectAttempts must be >= 1"}
	}
	if c.RequestConcurrency < 1 {
		return &ConfigError{Reason: "requestConcurrency must be >= 1"}
	}
	seen := make(map[string]struct{}, len(c.Tunnels))
	for _, t := range c.Tunnels {
		if _, dup := seen[t.Name]; dup {
			return &ConfigError{Reason: "tunnel names must be unique: " + t.Name}
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "paliproxy: configuration: " + e.Reason }
