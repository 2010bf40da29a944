package scheduler

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskforge/conductor/internal/common/logger"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

var tracer = otel.Tracer("conductor/scheduler")

// EstimateMode selects how Scheduler.estimateDuration computes a task's
// expected duration (spec §4.5 step 2).
type EstimateMode string

const (
	EstimateStatic   EstimateMode = "static"
	EstimateAdaptive EstimateMode = "adaptive"
	EstimateLLM      EstimateMode = "llm_estimate"
)

// llmFallbackEstimate is the conservative duration used by the
// llm_estimate mode.
const llmFallbackEstimate = 10 * time.Second

// minAdaptiveSamples is the sample count an adaptive estimate needs before
// blending with the static lookup; below it, the estimator falls back
// entirely to static (Open Question #3 resolution).
const minAdaptiveSamples = 3

// Config configures the scheduler's admission policy (mirrors
// internal/common/config.SchedulerConfig's fields, plus EstimateMode and
// PerTypeMaxConcurrency, which that config struct does not carry).
type Config struct {
	GlobalMaxConcurrency   int
	DegradedMaxConcurrency int
	ResourceUsageThreshold float64
	SchedulingOverheadMs   int64
	AgingRateMs            int64
	AdaptiveHistoryWeight  float64
	PauseNewDispatches     bool
	EstimateMode           EstimateMode
	PerTypeMaxConcurrency  map[string]int
}

// DefaultConfig mirrors config.setDefaults' scheduler section.
func DefaultConfig() Config {
	return Config{
		GlobalMaxConcurrency:   10,
		DegradedMaxConcurrency: 3,
		ResourceUsageThreshold: 0.85,
		SchedulingOverheadMs:   250,
		AgingRateMs:            5000,
		AdaptiveHistoryWeight:  0.6,
		PauseNewDispatches:     false,
		EstimateMode:           EstimateAdaptive,
	}
}

// Decision is evaluateScheduling's verdict for one task (spec §4.5 step 6).
type Decision struct {
	Allowed             bool
	Reason              string
	EstimatedStartTime  time.Time
	EstimatedDurationMs int64
	BenefitScore        float64
	ResourceAllocation  []v1.Resource
}

type taskTypeStats struct {
	totalDuration time.Duration
	sampleCount   int
	successCount  int
}

type activeEntry struct {
	taskType   string
	resources  []v1.Resource
	startedAt  time.Time
	enqueuedAt time.Time
}

var taskTypeKeywords = []struct {
	taskType string
	pattern  *regexp.Regexp
}{
	{"test", regexp.MustCompile(`(?i)\b(test|spec|verify)\b`)},
	{"build", regexp.MustCompile(`(?i)\b(build|compile|package)\b`)},
	{"review", regexp.MustCompile(`(?i)\b(review|audit|inspect)\b`)},
	{"search", regexp.MustCompile(`(?i)\b(search|find|grep|locate)\b`)},
	{"deploy", regexp.MustCompile(`(?i)\b(deploy|release|publish)\b`)},
}

// inferTaskType classifies a task description via keyword match, falling
// back to "general" when nothing matches (spec §4.5 step 4).
func inferTaskType(description string) string {
	for _, k := range taskTypeKeywords {
		if k.pattern.MatchString(description) {
			return k.taskType
		}
	}
	return "general"
}

// Scheduler is the Concurrency Scheduler: it admits or defers dispatched
// tasks based on resource availability, estimated payoff, and global/
// per-type concurrency caps, and tracks history for the adaptive
// estimator (spec §4.5).
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	pool   *ResourcePool
	queue  *Queue
	log    *logger.Logger

	staticEstimates map[string]time.Duration
	stats           map[string]*taskTypeStats
	active          map[string]*activeEntry
	activeByType    map[string]int

	degraded bool
}

// New constructs a Scheduler over pool, with cfg.AgingRateMs driving the
// queue's aging term.
func New(cfg Config, pool *ResourcePool, log *logger.Logger) *Scheduler {
	if cfg.EstimateMode == "" {
		cfg.EstimateMode = EstimateAdaptive
	}
	return &Scheduler{
		cfg:             cfg,
		pool:            pool,
		queue:           NewQueue(cfg.AgingRateMs),
		log:             log.WithFields(zap.String("component", "scheduler")),
		staticEstimates: make(map[string]time.Duration),
		stats:           make(map[string]*taskTypeStats),
		active:          make(map[string]*activeEntry),
		activeByType:    make(map[string]int),
	}
}

// SetStaticEstimate seeds the static lookup table for a task type.
func (s *Scheduler) SetStaticEstimate(taskType string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staticEstimates[taskType] = d
}

// EvaluateScheduling runs the six-step admission pipeline for one task
// (spec §4.5). It does not itself enqueue on denial; callers enqueue via
// Enqueue if requirements were unmet transiently or concurrency was full.
func (s *Scheduler) EvaluateScheduling(ctx context.Context, task *v1.TaskNode, reqs []Requirement) (Decision, error) {
	_, span := tracer.Start(ctx, "scheduler.evaluate", trace.WithAttributes(attribute.String("task_id", task.ID)))
	defer span.End()

	// Step 1: resource check.
	if !s.pool.Satisfiable(reqs) {
		span.SetAttributes(attribute.Bool("allowed", false), attribute.String("reason", "资源不满足"))
		return Decision{Allowed: false, Reason: "资源不满足"}, nil
	}

	taskType := inferTaskType(task.Description)

	// Step 2: time estimate.
	estimated := s.estimateDuration(taskType)

	// Step 3: benefit score.
	benefit := s.benefitScore(estimated, reqs)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 5 (evaluated before step 4's cap so degraded state reflects the
	// current resource picture at decision time): recompute degradation.
	s.refreshDegradationLocked()
	if s.degraded && s.cfg.PauseNewDispatches {
		span.SetAttributes(attribute.Bool("allowed", false), attribute.String("reason", "degraded"))
		return Decision{Allowed: false, Reason: "degraded: new dispatches paused"}, nil
	}

	// Step 4: concurrency check.
	effectiveMax := s.cfg.GlobalMaxConcurrency
	if s.degraded {
		effectiveMax = s.cfg.DegradedMaxConcurrency
	}
	if len(s.active) >= effectiveMax {
		span.SetAttributes(attribute.Bool("allowed", false), attribute.String("reason", "global_concurrency"))
		return Decision{Allowed: false, Reason: "global concurrency limit reached"}, nil
	}
	if cap, ok := s.cfg.PerTypeMaxConcurrency[taskType]; ok && s.activeByType[taskType] >= cap {
		span.SetAttributes(attribute.Bool("allowed", false), attribute.String("reason", "per_type_concurrency"))
		return Decision{Allowed: false, Reason: "per-type concurrency limit reached for " + taskType}, nil
	}

	span.SetAttributes(attribute.Bool("allowed", true), attribute.String("task_type", taskType))

	// Step 6: approval. Resources are allocated by the caller via
	// StartTask once it commits to dispatching this task, not here —
	// EvaluateScheduling is a pure admission check so Queue.Dequeue can
	// probe it repeatedly without side effects.
	return Decision{
		Allowed:             true,
		Reason:              "ok",
		EstimatedStartTime:  time.Now().UTC(),
		EstimatedDurationMs: estimated.Milliseconds(),
		BenefitScore:        benefit,
	}, nil
}

func (s *Scheduler) estimateDuration(taskType string) time.Duration {
	s.mu.Lock()
	static := s.staticEstimates[taskType]
	stat, haveStats := s.stats[taskType]
	s.mu.Unlock()

	switch s.cfg.EstimateMode {
	case EstimateLLM:
		if static > 0 {
			return static
		}
		return llmFallbackEstimate
	case EstimateStatic:
		return static
	case EstimateAdaptive:
		fallthrough
	default:
		if !haveStats || stat.sampleCount < minAdaptiveSamples {
			return static
		}
		historical := stat.totalDuration / time.Duration(stat.sampleCount)
		weight := s.cfg.AdaptiveHistoryWeight
		blended := time.Duration(float64(historical)*weight + float64(static)*(1-weight))
		return blended
	}
}

// benefitScore is base = duration/(duration+overhead), minus 0.1 per
// scarce requirement (<=1 matching resource available), clamped to [0,1].
func (s *Scheduler) benefitScore(estimated time.Duration, reqs []Requirement) float64 {
	overhead := time.Duration(s.cfg.SchedulingOverheadMs) * time.Millisecond
	base := float64(estimated) / float64(estimated+overhead)

	scarcityPenalty := 0.0
	for _, req := range reqs {
		_, available := s.pool.CountByType(req.Type, req.MinLevel)
		if available <= 1 {
			scarcityPenalty += 0.1
		}
	}
	score := base - scarcityPenalty
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// refreshDegradationLocked recomputes degraded mode from the pool's
// current usage ratio (spec §4.5 step 5). Caller must hold s.mu.
func (s *Scheduler) refreshDegradationLocked() {
	ratio := s.pool.UsageRatio()
	if ratio > s.cfg.ResourceUsageThreshold {
		s.degraded = true
	} else if ratio < s.cfg.ResourceUsageThreshold {
		s.degraded = false
	}
}

// Degraded reports whether the scheduler is currently in degraded mode.
func (s *Scheduler) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Enqueue adds a task to the aging priority queue.
func (s *Scheduler) Enqueue(task *v1.TaskNode, reqs []Requirement, priority int) {
	s.queue.Enqueue(&QueuedTask{Task: task, Requirements: reqs, BasePriority: priority})
}

// Dequeue pops the highest (aged) priority queued task whose
// evaluateScheduling currently allows it, or nil if none qualify yet.
func (s *Scheduler) Dequeue(ctx context.Context) *QueuedTask {
	return s.queue.Dequeue(func(qt *QueuedTask) bool {
		decision, err := s.EvaluateScheduling(ctx, qt.Task, qt.Requirements)
		return err == nil && decision.Allowed
	})
}

// QueueLen returns the number of currently queued tasks.
func (s *Scheduler) QueueLen() int { return s.queue.Len() }

// StartTask allocates resources for task and marks it active, committing
// the admission decision EvaluateScheduling approved.
func (s *Scheduler) StartTask(ctx context.Context, task *v1.TaskNode, reqs []Requirement, enqueuedAt time.Time) error {
	taskType := inferTaskType(task.Description)
	resources, err := s.pool.Allocate(ctx, reqs, task.WorkflowID, task.WorkflowID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.active[task.ID] = &activeEntry{
		taskType:   taskType,
		resources:  resources,
		startedAt:  time.Now().UTC(),
		enqueuedAt: enqueuedAt,
	}
	s.activeByType[taskType]++
	active := len(s.active)
	s.mu.Unlock()

	if active > s.cfg.GlobalMaxConcurrency {
		s.log.Warn("active task count exceeded global max concurrency",
			zap.Int("active", active), zap.Int("max", s.cfg.GlobalMaxConcurrency))
	}
	return nil
}

// CompleteTask releases resources, records history for the adaptive
// estimator, and re-evaluates degradation.
func (s *Scheduler) CompleteTask(taskID string, success bool) {
	s.mu.Lock()
	entry, ok := s.active[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, taskID)
	s.activeByType[entry.taskType]--

	duration := time.Since(entry.startedAt)
	stat, ok := s.stats[entry.taskType]
	if !ok {
		stat = &taskTypeStats{}
		s.stats[entry.taskType] = stat
	}
	stat.totalDuration += duration
	stat.sampleCount++
	if success {
		stat.successCount++
	}
	s.mu.Unlock()

	s.pool.Release(entry.resources)
	s.mu.Lock()
	s.refreshDegradationLocked()
	s.mu.Unlock()
	s.log.Debug("task completed",
		zap.String("task_id", taskID),
		zap.String("task_type", entry.taskType),
		zap.Duration("duration", duration),
		zap.Bool("success", success))
}

// ActiveCount returns the number of currently active (admitted and
// running) tasks.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stats returns a snapshot of taskType -> {avg duration, success rate,
// sample count}, used by diagnostics and the adaptive estimator's tests.
func (s *Scheduler) Stats(taskType string) (avg time.Duration, successRate float64, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stat, ok := s.stats[taskType]
	if !ok || stat.sampleCount == 0 {
		return 0, 0, 0
	}
	avg = stat.totalDuration / time.Duration(stat.sampleCount)
	successRate = float64(stat.successCount) / float64(stat.sampleCount)
	return avg, successRate, stat.sampleCount
}

