// Package dispatch implements agent.dispatch (spec §4.4): routing a task
// from a source agent to a target agent, enforcing per-agent quota,
// queueing on busy, and binding a freshly created sub-session to the
// target. When a Concurrency Scheduler is attached (WithScheduler), every
// dispatch is also admitted through its global evaluation pipeline (spec
// §4.5) after the per-agent quota check passes. A dispatch is tracked in the
// Hub's mailbox from the moment it starts queueing, so a queue-wait timeout
// (spec S4) surfaces both a TimeoutError to the caller and a failed
// mailbox entry, not just the former.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/taskforge/conductor/internal/agent"
	"github.com/taskforge/conductor/internal/agent/runtime"
	cerrors "github.com/taskforge/conductor/internal/common/errors"
	"github.com/taskforge/conductor/internal/common/logger"
	"github.com/taskforge/conductor/internal/hub"
	"github.com/taskforge/conductor/internal/scheduler"
	"github.com/taskforge/conductor/internal/session"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

var tracer = otel.Tracer("conductor/dispatch")

// minQueueWaitMs is the floor spec §4.4 step 4 places on maxQueueWaitMs.
const minQueueWaitMs = 1000

// pollInterval is how often a blocking, queued dispatch re-checks the
// target's capacity while waiting for a slot to free.
const pollInterval = 20 * time.Millisecond

// Request is one agent.dispatch call (spec §6).
type Request struct {
	SourceAgentID   string
	TargetAgentID   string
	Task            string
	ProjectPath     string
	SourceSessionID string
	Blocking        bool
	QueueOnBusy     bool
	MaxQueueWaitMs  int64
}

// Result is what a successful Dispatch returns.
type Result struct {
	MessageID    string
	SubSessionID string
	Result       any
}

// Dispatcher routes tasks between agents over the Hub, binding each
// dispatch to a fresh sub-session owned by the target agent.
type Dispatcher struct {
	registry  *agent.Registry
	pool      *runtime.Pool
	hub       *hub.Hub
	sessions  *session.Store
	scheduler *scheduler.Scheduler
	log       *logger.Logger

	mu sync.Mutex
}

// New constructs a Dispatcher with no Concurrency Scheduler attached — it
// enforces only the per-agent quota captured by hasCapacity. Use
// WithScheduler to also route every dispatch through the global admission
// pipeline (spec §4.5).
func New(registry *agent.Registry, pool *runtime.Pool, h *hub.Hub, sessions *session.Store, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		pool:     pool,
		hub:      h,
		sessions: sessions,
		log:      log.WithFields(zap.String("component", "dispatch")),
	}
}

// WithScheduler attaches the Concurrency Scheduler that Dispatch will
// consult before admitting a task and report to once it starts and
// finishes, so the scheduler's activeTasks/degradation bookkeeping stays
// accurate for the whole system rather than just for tasks it was handed
// directly (spec §4.5, testable property "activeTasks <= effectiveMax").
func (d *Dispatcher) WithScheduler(s *scheduler.Scheduler) *Dispatcher {
	d.scheduler = s
	return d
}

// Dispatch routes req.Task to req.TargetAgentID (spec §4.4 dispatch steps).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch.dispatch", trace.WithAttributes(
		attribute.String("source_agent_id", req.SourceAgentID),
		attribute.String("target_agent_id", req.TargetAgentID),
	))
	defer span.End()

	cfg, err := d.registry.Get(req.TargetAgentID)
	if err != nil {
		span.RecordError(err)
		return nil, cerrors.NotFound("agent", req.TargetAgentID)
	}
	inst, err := d.pool.Get(req.TargetAgentID)
	if err != nil {
		return nil, cerrors.NotFound("agent instance", req.TargetAgentID)
	}

	waitMs := req.MaxQueueWaitMs
	if waitMs < minQueueWaitMs {
		waitMs = minQueueWaitMs
	}
	queueDeadline := time.Duration(waitMs) * time.Millisecond

	// Track the dispatch in the mailbox before admission so a queue-wait
	// timeout leaves a visible failed entry (spec S4) instead of erroring
	// out with no mailbox trace at all.
	pendingID := uuid.New().String()
	d.hub.TrackPending(pendingID, req.TargetAgentID)

	if !d.hasCapacity(inst, cfg) {
		if !req.QueueOnBusy {
			d.hub.FailPending(ctx, pendingID, "target_busy")
			return nil, cerrors.Conflict("target_busy")
		}
		if err := d.awaitSlot(ctx, inst, cfg, queueDeadline); err != nil {
			d.hub.FailPending(ctx, pendingID, err.Error())
			return nil, err
		}
	}

	task := &v1.TaskNode{ID: uuid.New().String(), WorkflowID: req.SourceSessionID, Description: req.Task}
	enqueuedAt := time.Now().UTC()
	if d.scheduler != nil {
		if err := d.awaitAdmission(ctx, task, req, queueDeadline); err != nil {
			d.hub.FailPending(ctx, pendingID, err.Error())
			return nil, err
		}
		if err := d.scheduler.StartTask(ctx, task, nil, enqueuedAt); err != nil {
			d.hub.FailPending(ctx, pendingID, err.Error())
			return nil, cerrors.Wrap(err, "scheduler failed to start task")
		}
	}
	dispatchSucceeded := false
	defer func() {
		if d.scheduler != nil {
			d.scheduler.CompleteTask(task.ID, dispatchSucceeded)
		}
	}()

	if err := d.pool.AcceptDispatch(req.TargetAgentID); err != nil {
		d.hub.FailPending(ctx, pendingID, err.Error())
		return nil, cerrors.Wrap(err, "failed to accept dispatch")
	}
	defer func() {
		if err := d.pool.CompleteDispatch(req.TargetAgentID); err != nil {
			d.log.Warn("failed to release dispatch slot", zap.String("agent_id", req.TargetAgentID), zap.Error(err))
		}
	}()

	subSession, err := d.sessions.Create(ctx, req.ProjectPath, req.SourceSessionID)
	if err != nil {
		d.hub.FailPending(ctx, pendingID, err.Error())
		return nil, cerrors.Wrap(err, "failed to create sub-session")
	}
	if err := d.sessions.BindOwner(ctx, subSession, req.TargetAgentID); err != nil {
		d.hub.FailPending(ctx, pendingID, err.Error())
		return nil, cerrors.Wrap(err, "failed to bind sub-session owner")
	}

	// Reuse pendingID as the message id so the mailbox shows one continuous
	// entry (pending through admission, then processing/completed/failed
	// through Send) instead of an orphaned pending entry alongside it.
	msg := &v1.Message{
		ID:        pendingID,
		SessionID: subSession.ID,
		Role:      v1.RoleOrchestrator,
		Content:   req.Task,
	}
	sendResult, err := d.hub.Send(ctx, req.TargetAgentID, msg, hub.SendOptions{
		Blocking: req.Blocking,
		Sender:   req.SourceAgentID,
	})
	if err != nil {
		// Send itself fails the mailbox entry once it reaches Create, but a
		// resolve/lookup error returns before that point; fail it here too
		// so no dispatch error path leaves the entry stuck pending.
		d.hub.FailPending(ctx, pendingID, err.Error())
		return nil, err
	}

	dispatchSucceeded = true
	return &Result{
		MessageID:    sendResult.MessageID,
		SubSessionID: subSession.ID,
		Result:       sendResult.Result,
	}, nil
}

// awaitAdmission polls the Concurrency Scheduler's admission pipeline until
// task is allowed to proceed or timeout elapses (spec §4.5's evaluate ->
// queue -> re-evaluate cycle, folded into the same queued-dispatch wait
// agent.dispatch already offers for per-agent capacity).
func (d *Dispatcher) awaitAdmission(ctx context.Context, task *v1.TaskNode, req Request, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		decision, err := d.scheduler.EvaluateScheduling(ctx, task, nil)
		if err != nil {
			return cerrors.Wrap(err, "scheduler evaluation failed")
		}
		if decision.Allowed {
			return nil
		}
		if !req.QueueOnBusy {
			return cerrors.Conflict(decision.Reason)
		}
		if time.Now().After(deadline) {
			return cerrors.Timeout(fmt.Sprintf("dispatch to %q timed out waiting for scheduler admission after %s", req.TargetAgentID, timeout))
		}
		select {
		case <-ctx.Done():
			return cerrors.Wrap(ctx.Err(), "dispatch cancelled while awaiting admission")
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) hasCapacity(inst *runtime.Instance, cfg v1.AgentConfig) bool {
	snap := inst.Snapshot()
	if snap.State != v1.AgentRunning && snap.State != v1.AgentIdle && snap.State != v1.AgentBusy {
		return false
	}
	max := cfg.MaxConcurrentTasks
	if max <= 0 {
		max = 1
	}
	return snap.CurrentLoad < max
}

// awaitSlot polls inst's capacity until it frees or timeout elapses (spec
// §4.4 step 4: "await completion up to maxQueueWaitMs").
func (d *Dispatcher) awaitSlot(ctx context.Context, inst *runtime.Instance, cfg v1.AgentConfig, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if d.hasCapacity(inst, cfg) {
			return nil
		}
		if time.Now().After(deadline) {
			return cerrors.Timeout(fmt.Sprintf("dispatch to %q timed out waiting for a free slot after %s", cfg.ID, timeout))
		}
		select {
		case <-ctx.Done():
			return cerrors.Wrap(ctx.Err(), "dispatch cancelled while queued")
		case <-ticker.C:
		}
	}
}
