// Package agent holds the static configuration surface for supervised
// agent types: materializing defaults and validating a registration
// before the runtime pool ever spawns a process (spec §4.4).
package agent

import v1 "github.com/taskforge/conductor/pkg/api/v1"

// Default values applied by WithDefaults when a field is left at its zero
// value. These mirror the teacher's agent registry defaults.
const (
	DefaultMaxRestarts           = 3
	DefaultRestartBackoffMs      = 1000
	DefaultHealthCheckIntervalMs = 10_000
	DefaultHealthCheckTimeoutMs  = 2_000
	DefaultHeartbeatTimeoutMs    = 30_000
	DefaultMaxConcurrentTasks    = 1
	DefaultMode                  = "auto"
)

// WithDefaults returns a copy of cfg with zero-valued tunables replaced by
// their defaults. It never overrides a value the caller set explicitly.
func WithDefaults(cfg v1.AgentConfig) v1.AgentConfig {
	if cfg.Mode == "" {
		cfg.Mode = DefaultMode
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.RestartBackoffMs == 0 {
		cfg.RestartBackoffMs = DefaultRestartBackoffMs
	}
	if cfg.HealthCheckIntervalMs == 0 {
		cfg.HealthCheckIntervalMs = DefaultHealthCheckIntervalMs
	}
	if cfg.HealthCheckTimeoutMs == 0 {
		cfg.HealthCheckTimeoutMs = DefaultHealthCheckTimeoutMs
	}
	if cfg.HeartbeatTimeoutMs == 0 {
		cfg.HeartbeatTimeoutMs = DefaultHeartbeatTimeoutMs
	}
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	return cfg
}
