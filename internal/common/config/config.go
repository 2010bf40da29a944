// Package config loads and hot-reloads the conductor daemon's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config aggregates every configuration section the daemon needs.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig configures the daemon's liveness/control listener.
// Full HTTP/WebSocket transport is an out-of-scope external collaborator
// (spec §1); this only covers the minimal port the daemon binds so a
// transport collaborator has somewhere to attach.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig selects and configures the session-index backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

// NATSConfig configures the optional NATS-backed EventBus.
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty => in-memory bus
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig mirrors logger.Config's mapstructure tags.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PathsConfig configures the abstract persisted-state layout of spec §6.
type PathsConfig struct {
	Root             string `mapstructure:"root"`
	AgentsFile       string `mapstructure:"agentsFile"`
	RoutesFile       string `mapstructure:"routesFile"`
	InputsFile       string `mapstructure:"inputsFile"`
	OutputsFile      string `mapstructure:"outputsFile"`
	SessionsDir      string `mapstructure:"sessionsDir"`
	AgentHistoryFile string `mapstructure:"agentHistoryFile"`
	LogsDir          string `mapstructure:"logsDir"`
}

// SchedulerConfig configures the ConcurrencyScheduler's admission policy.
type SchedulerConfig struct {
	GlobalMaxConcurrency    int     `mapstructure:"globalMaxConcurrency"`
	DegradedMaxConcurrency  int     `mapstructure:"degradedMaxConcurrency"`
	ResourceUsageThreshold  float64 `mapstructure:"resourceUsageThreshold"`
	SchedulingOverheadMs    int64   `mapstructure:"schedulingOverheadMs"`
	AgingRateMs             int64   `mapstructure:"agingRateMs"`
	AdaptiveHistoryWeight   float64 `mapstructure:"adaptiveHistoryWeight"`
	PauseNewDispatches      bool    `mapstructure:"pauseNewDispatches"`
}

// TracingConfig configures the OpenTelemetry tracer provider (spec §11).
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"serviceName"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./conductor.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "conductor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("paths.root", "./.conductor")
	v.SetDefault("paths.agentsFile", "config/agents.json")
	v.SetDefault("paths.routesFile", "config/routes.yaml")
	v.SetDefault("paths.inputsFile", "config/inputs.yaml")
	v.SetDefault("paths.outputsFile", "config/outputs.yaml")
	v.SetDefault("paths.sessionsDir", "sessions")
	v.SetDefault("paths.agentHistoryFile", "agent-history.json")
	v.SetDefault("paths.logsDir", "logs")

	v.SetDefault("scheduler.globalMaxConcurrency", 10)
	v.SetDefault("scheduler.degradedMaxConcurrency", 3)
	v.SetDefault("scheduler.resourceUsageThreshold", 0.85)
	v.SetDefault("scheduler.schedulingOverheadMs", 250)
	v.SetDefault("scheduler.agingRateMs", 5000)
	v.SetDefault("scheduler.adaptiveHistoryWeight", 0.6)
	v.SetDefault("scheduler.pauseNewDispatches", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "conductor")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
}

func detectDefaultFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONDUCTOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load builds a Config from defaults, an optional config file, and
// CONDUCTOR_-prefixed environment variables, in that precedence order.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.AutomaticEnv()

	if path := os.Getenv("CONDUCTOR_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watcher notifies a callback whenever a watched config file changes on
// disk, so the ModuleRegistry can reload config/agents.json and the
// routes/inputs/outputs YAML declarations without a daemon restart.
type Watcher struct {
	fsw *fsnotify.Watcher
}

// NewWatcher watches the given files for writes/creates/renames.
func NewWatcher(paths []string, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	dirs := map[string]struct{}{}
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	watched := map[string]struct{}{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		watched[abs] = struct{}{}
	}

	w := &Watcher{fsw: fsw}
	go func() {
		debounce := map[string]time.Time{}
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				abs, err := filepath.Abs(ev.Name)
				if err != nil {
					abs = ev.Name
				}
				if _, ok := watched[abs]; !ok {
					continue
				}
				if t, ok := debounce[abs]; ok && time.Since(t) < 200*time.Millisecond {
					continue
				}
				debounce[abs] = time.Now()
				onChange(ev.Name)
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }
