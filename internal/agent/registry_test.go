package agent

import (
	"testing"

	"github.com/taskforge/conductor/internal/common/logger"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

func newTestRegistryLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestRegisterMaterializesDefaults(t *testing.T) {
	reg := NewRegistry(newTestRegistryLogger(t))

	got, err := reg.Register(v1.AgentConfig{ID: "coder-1", Command: "coder"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.MaxRestarts != DefaultMaxRestarts {
		t.Fatalf("expected default max restarts %d, got %d", DefaultMaxRestarts, got.MaxRestarts)
	}
	if got.HealthCheckIntervalMs != DefaultHealthCheckIntervalMs {
		t.Fatalf("expected default health check interval, got %d", got.HealthCheckIntervalMs)
	}
	if got.MaxConcurrentTasks != DefaultMaxConcurrentTasks {
		t.Fatalf("expected default max concurrent tasks, got %d", got.MaxConcurrentTasks)
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	reg := NewRegistry(newTestRegistryLogger(t))
	if _, err := reg.Register(v1.AgentConfig{ID: "coder-1"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := reg.Register(v1.AgentConfig{ID: "coder-1"}); err == nil {
		t.Fatal("expected conflict on duplicate id")
	}
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	reg := NewRegistry(newTestRegistryLogger(t))
	if _, err := reg.Register(v1.AgentConfig{}); err == nil {
		t.Fatal("expected validation error for empty id")
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	reg := NewRegistry(newTestRegistryLogger(t))
	if _, err := reg.Get("missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestUnregisterRemovesConfig(t *testing.T) {
	reg := NewRegistry(newTestRegistryLogger(t))
	if _, err := reg.Register(v1.AgentConfig{ID: "coder-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Unregister("coder-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := reg.Get("coder-1"); err == nil {
		t.Fatal("expected not-found after unregister")
	}
}
