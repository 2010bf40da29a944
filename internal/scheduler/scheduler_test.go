package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/taskforge/conductor/internal/common/logger"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *ResourcePool) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	pool := NewResourcePool()
	return New(cfg, pool, log), pool
}

func TestEvaluateSchedulingDeniesUnmetResource(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultConfig())
	task := &v1.TaskNode{ID: "t1", Description: "run tests"}

	decision, err := s.EvaluateScheduling(context.Background(), task, []Requirement{{Type: "gpu"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial when no gpu resource is registered")
	}
	if decision.Reason != "资源不满足" {
		t.Fatalf("expected resource-unmet reason, got %q", decision.Reason)
	}
}

func TestEvaluateSchedulingAllowsWithCapacity(t *testing.T) {
	cfg := DefaultConfig()
	s, pool := newTestScheduler(t, cfg)
	pool.Register(v1.Resource{ID: "r1", Type: "cpu", CapabilityLevel: 1})

	task := &v1.TaskNode{ID: "t1", Description: "run tests"}
	decision, err := s.EvaluateScheduling(context.Background(), task, []Requirement{{Type: "cpu"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected approval, got reason %q", decision.Reason)
	}
	if decision.BenefitScore < 0 || decision.BenefitScore > 1 {
		t.Fatalf("benefit score out of range: %f", decision.BenefitScore)
	}
}

func TestEvaluateSchedulingDeniesAtGlobalConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalMaxConcurrency = 1
	s, pool := newTestScheduler(t, cfg)
	pool.Register(v1.Resource{ID: "r1", Type: "cpu"})
	pool.Register(v1.Resource{ID: "r2", Type: "cpu"})

	task1 := &v1.TaskNode{ID: "t1", Description: "general work"}
	if err := s.StartTask(context.Background(), task1, []Requirement{{Type: "cpu"}}, time.Now()); err != nil {
		t.Fatalf("start task1: %v", err)
	}

	task2 := &v1.TaskNode{ID: "t2", Description: "general work"}
	decision, err := s.EvaluateScheduling(context.Background(), task2, []Requirement{{Type: "cpu"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial at global max concurrency")
	}

	s.CompleteTask("t1", true)
	decision, err = s.EvaluateScheduling(context.Background(), task2, []Requirement{{Type: "cpu"}})
	if err != nil {
		t.Fatalf("evaluate after complete: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected approval once a slot frees up")
	}
}

func TestDegradationTogglesWithUsageThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResourceUsageThreshold = 0.4
	cfg.PauseNewDispatches = true
	s, pool := newTestScheduler(t, cfg)
	pool.Register(v1.Resource{ID: "r1", Type: "cpu"})
	pool.Register(v1.Resource{ID: "r2", Type: "cpu"})

	task := &v1.TaskNode{ID: "t1", Description: "general work"}
	if err := s.StartTask(context.Background(), task, []Requirement{{Type: "cpu"}}, time.Now()); err != nil {
		t.Fatalf("start: %v", err)
	}

	task2 := &v1.TaskNode{ID: "t2", Description: "general work"}
	decision, err := s.EvaluateScheduling(context.Background(), task2, []Requirement{{Type: "cpu"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected degraded mode to pause new dispatches above threshold")
	}
	if !s.Degraded() {
		t.Fatal("expected scheduler to report degraded")
	}

	s.CompleteTask("t1", true)
	if s.Degraded() {
		t.Fatal("expected degraded mode to clear once usage drops back below threshold")
	}
}

func TestAdaptiveEstimateFallsBackToStaticBelowMinSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EstimateMode = EstimateAdaptive
	s, _ := newTestScheduler(t, cfg)
	s.SetStaticEstimate("general", 5*time.Second)

	// No samples recorded yet: must equal the static estimate exactly.
	if got := s.estimateDuration("general"); got != 5*time.Second {
		t.Fatalf("expected static fallback with zero samples, got %s", got)
	}

	s.mu.Lock()
	s.stats["general"] = &taskTypeStats{totalDuration: 2 * time.Second, sampleCount: 2}
	s.mu.Unlock()
	if got := s.estimateDuration("general"); got != 5*time.Second {
		t.Fatalf("expected static fallback below minAdaptiveSamples, got %s", got)
	}

	s.mu.Lock()
	s.stats["general"] = &taskTypeStats{totalDuration: 30 * time.Second, sampleCount: 3}
	s.mu.Unlock()
	if got := s.estimateDuration("general"); got == 5*time.Second {
		t.Fatal("expected blended estimate once minAdaptiveSamples is reached")
	}
}

func TestSchedulerQueueDequeueAdmitsWhenCapacityFrees(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalMaxConcurrency = 1
	s, pool := newTestScheduler(t, cfg)
	pool.Register(v1.Resource{ID: "r1", Type: "cpu"})

	blocker := &v1.TaskNode{ID: "blocker", Description: "general work"}
	if err := s.StartTask(context.Background(), blocker, []Requirement{{Type: "cpu"}}, time.Now()); err != nil {
		t.Fatalf("start blocker: %v", err)
	}

	queued := &v1.TaskNode{ID: "queued", Description: "general work"}
	s.Enqueue(queued, []Requirement{{Type: "cpu"}}, 5)

	if got := s.Dequeue(context.Background()); got != nil {
		t.Fatalf("expected no dequeue while at capacity, got %+v", got)
	}
	if s.QueueLen() != 1 {
		t.Fatalf("expected task to remain queued, len=%d", s.QueueLen())
	}

	s.CompleteTask("blocker", true)
	got := s.Dequeue(context.Background())
	if got == nil || got.Task.ID != "queued" {
		t.Fatalf("expected queued task once capacity frees, got %+v", got)
	}
}
