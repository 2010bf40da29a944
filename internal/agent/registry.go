package agent

import (
	"sync"

	"go.uber.org/zap"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	"github.com/taskforge/conductor/internal/common/logger"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// Registry is the source of truth for configured agent types: the
// register(config) operation validates uniqueness and materializes
// defaults before the runtime pool is allowed to start an instance.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]v1.AgentConfig
	log    *logger.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]v1.AgentConfig),
		log:    log.WithFields(zap.String("component", "agent-registry")),
	}
}

// Register validates that cfg.ID is unique, fills in default tunables,
// and records the agent type. It returns the materialized config.
func (r *Registry) Register(cfg v1.AgentConfig) (v1.AgentConfig, error) {
	if cfg.ID == "" {
		return v1.AgentConfig{}, cerrors.Validation("id", "agent id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[cfg.ID]; exists {
		return v1.AgentConfig{}, cerrors.Conflict("agent type " + cfg.ID + " already registered")
	}

	cfg = WithDefaults(cfg)
	r.agents[cfg.ID] = cfg
	r.log.Info("registered agent type", zap.String("agent_id", cfg.ID))
	return cfg, nil
}

// Get returns the materialized config for id.
func (r *Registry) Get(id string) (v1.AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.agents[id]
	if !ok {
		return v1.AgentConfig{}, cerrors.NotFound("agent type", id)
	}
	return cfg, nil
}

// List returns every registered agent config.
func (r *Registry) List() []v1.AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]v1.AgentConfig, 0, len(r.agents))
	for _, cfg := range r.agents {
		out = append(out, cfg)
	}
	return out
}

// Unregister removes an agent type. Callers are responsible for stopping
// any running instances of it first.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return cerrors.NotFound("agent type", id)
	}
	delete(r.agents, id)
	r.log.Info("unregistered agent type", zap.String("agent_id", id))
	return nil
}
