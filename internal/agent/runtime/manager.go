package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/conductor/internal/agent"
	cerrors "github.com/taskforge/conductor/internal/common/errors"
	"github.com/taskforge/conductor/internal/common/logger"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// MaxBackoff caps the restart delay regardless of restartCount (spec §4.4).
const MaxBackoff = 30 * time.Second

// ProcessFactory constructs a fresh AgentProcess for one launch attempt.
type ProcessFactory func(cfg v1.AgentConfig) AgentProcess

// Pool supervises every running agent instance: start/stop/restart,
// health checks, and exit handling, each serialized per instance.
type Pool struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	stopTimer map[string]chan struct{}

	registry    *agent.Registry
	newProcess  ProcessFactory
	healthCheck HealthChecker
	baseDir     string
	log         *logger.Logger
}

// NewPool constructs a Pool. baseDir is where per-agent log/pid/history
// files are written (spec §6's agent-history.json path).
func NewPool(reg *agent.Registry, newProcess ProcessFactory, healthCheck HealthChecker, baseDir string, log *logger.Logger) *Pool {
	return &Pool{
		instances:   make(map[string]*Instance),
		stopTimer:   make(map[string]chan struct{}),
		registry:    reg,
		newProcess:  newProcess,
		healthCheck: healthCheck,
		baseDir:     baseDir,
		log:         log.WithFields(zap.String("component", "agent-pool")),
	}
}

func (p *Pool) logPath(id string) string   { return filepath.Join(p.baseDir, id, "agent.log") }
func (p *Pool) historyPath(id string) string {
	return filepath.Join(p.baseDir, id, "agent-history.json")
}

func (p *Pool) history(id string) *History { return NewHistory(p.historyPath(id)) }

// Register validates and tracks a new agent type, then creates its
// (not-yet-started) Instance. A type already present in the shared Registry
// is adopted with its registered config; registering an id this pool
// already tracks fails with a ConflictError.
func (p *Pool) Register(cfg v1.AgentConfig) (*Instance, error) {
	materialized, err := p.registry.Register(cfg)
	if err != nil {
		existing, getErr := p.registry.Get(cfg.ID)
		if !cerrors.Is(err, cerrors.KindConflict) || getErr != nil {
			return nil, err
		}
		materialized = existing
	}

	inst := newInstance(materialized, nil)

	p.mu.Lock()
	if _, tracked := p.instances[materialized.ID]; tracked {
		p.mu.Unlock()
		return nil, cerrors.Conflict("agent instance " + materialized.ID + " already registered")
	}
	p.instances[materialized.ID] = inst
	p.mu.Unlock()

	_ = p.history(materialized.ID).Append(HistoryEntry{
		Timestamp: time.Now().UTC(), InstanceID: materialized.ID, AgentID: materialized.ID, Event: EventRegister,
	})
	return inst, nil
}

// Get returns the tracked Instance for id.
func (p *Pool) Get(id string) (*Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.instances[id]
	if !ok {
		return nil, cerrors.NotFound("agent instance", id)
	}
	return inst, nil
}

// List returns every tracked instance's current snapshot.
func (p *Pool) List() []v1.AgentInstance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]v1.AgentInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst.Snapshot())
	}
	return out
}

// AcceptDispatch records one more in-flight task against id, transitioning
// an idle/running instance to busy on its first accepted dispatch. It
// returns cerrors.Conflict if id has no capacity-transition defined from
// its current state (e.g. it is stopping or failed).
func (p *Pool) AcceptDispatch(id string) error {
	inst, err := p.Get(id)
	if err != nil {
		return err
	}
	if inst.load() == 0 {
		if err := inst.Apply(TriggerDispatchAccepted); err != nil {
			return err
		}
	}
	inst.setLoad(1)
	return nil
}

// CompleteDispatch releases one in-flight task against id, transitioning a
// busy instance back to running once its load returns to zero.
func (p *Pool) CompleteDispatch(id string) error {
	inst, err := p.Get(id)
	if err != nil {
		return err
	}
	inst.setLoad(-1)
	if inst.load() <= 0 {
		return inst.Apply(TriggerDispatchComplete)
	}
	return nil
}

// Start spawns id's child process, registers its exit handler, and starts
// its health timer.
func (p *Pool) Start(ctx context.Context, id string) error {
	inst, err := p.Get(id)
	if err != nil {
		return err
	}
	// Restart already drove the instance to STARTING via TriggerRestart
	// before calling Start; only a fresh REGISTERED->STARTING transition
	// needs TriggerStart applied here.
	if inst.state() != v1.AgentStarting {
		if err := inst.Apply(TriggerStart); err != nil {
			return err
		}
	}

	proc := p.newProcess(inst.cfg)
	inst.process = proc
	if err := proc.Start(ctx, inst.cfg, inst.data.ID, p.logPath(id)); err != nil {
		_ = inst.Apply(TriggerCrash)
		return err
	}

	inst.setPID(proc.PID())
	inst.setStartTime(time.Now().UTC())
	inst.touchHeartbeat()
	_ = inst.Apply(TriggerProcessUp)

	_ = p.history(id).Append(HistoryEntry{Timestamp: time.Now().UTC(), InstanceID: id, AgentID: id, Event: EventStart})

	go p.watchExit(context.Background(), id, inst)
	p.startHealthTimer(id, inst)
	return nil
}

// Stop sends SIGTERM, escalating to SIGKILL after gracePeriod, and clears
// the health timer.
func (p *Pool) Stop(ctx context.Context, id, reason string) error {
	inst, err := p.Get(id)
	if err != nil {
		return err
	}
	if err := inst.Apply(TriggerStop); err != nil {
		return err
	}
	p.stopHealthTimer(id)

	if inst.process != nil {
		_ = inst.process.Signal(ctx, false)
		go func() {
			timer := time.NewTimer(gracePeriod)
			defer timer.Stop()
			select {
			case <-timer.C:
				_ = inst.process.Signal(ctx, true)
			case <-ctx.Done():
			}
		}()
	}

	_ = p.history(id).Append(HistoryEntry{
		Timestamp: time.Now().UTC(), InstanceID: id, AgentID: id, Event: EventStop, Reason: reason,
	})
	return nil
}

// UpdateHeartbeat records the last time id's process reported liveness.
func (p *Pool) UpdateHeartbeat(id string) error {
	inst, err := p.Get(id)
	if err != nil {
		return err
	}
	inst.touchHeartbeat()
	return nil
}

// Restart delays by restartBackoffMs*2^restartCount (capped at MaxBackoff),
// then stops and starts the instance. If restartCount has reached
// maxRestarts, the instance is failed permanently instead.
func (p *Pool) Restart(ctx context.Context, id, reason string) error {
	inst, err := p.Get(id)
	if err != nil {
		return err
	}

	if inst.data.RestartCount >= inst.cfg.MaxRestarts {
		_ = inst.Apply(TriggerCrash)
		_ = p.history(id).Append(HistoryEntry{
			Timestamp: time.Now().UTC(), InstanceID: id, AgentID: id,
			Event: EventCrash, Reason: "max_restarts_exceeded",
		})
		return cerrors.Resource(fmt.Sprintf("agent %s exceeded max restarts (%d)", id, inst.cfg.MaxRestarts))
	}

	count := inst.incRestart()
	delay := backoffDelay(inst.cfg.RestartBackoffMs, count-1)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := inst.Apply(TriggerRestart); err != nil {
		return err
	}

	_ = p.history(id).Append(HistoryEntry{
		Timestamp: time.Now().UTC(), InstanceID: id, AgentID: id, Event: EventRestart, Reason: reason,
	})
	return p.Start(ctx, id)
}

func backoffDelay(restartBackoffMs int64, attempt int) time.Duration {
	delay := time.Duration(restartBackoffMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	return delay
}

// watchExit blocks on the process's exit and routes non-zero/crash exits
// through the restart path. A clean (status 0) exit never auto-restarts
// (Open Question resolution #2).
func (p *Pool) watchExit(ctx context.Context, id string, inst *Instance) {
	info, err := inst.process.Wait(ctx)
	p.stopHealthTimer(id)

	if err != nil {
		p.log.Warn("agent process wait failed", zap.String("agent_id", id), zap.Error(err))
	}

	if info.ExitCode == 0 {
		// Clean exit is always a deliberate stop and never restarts, even
		// when autoRestart is set (Open Question #2).
		_ = inst.Apply(TriggerStopped)
		return
	}

	exitCode := info.ExitCode
	_ = p.history(id).Append(HistoryEntry{
		Timestamp: time.Now().UTC(), InstanceID: id, AgentID: id,
		Event: EventCrash, ExitCode: &exitCode, Signal: info.Signal,
	})
	_ = inst.Apply(TriggerCrash)

	if inst.cfg.AutoRestart && inst.data.RestartCount < inst.cfg.MaxRestarts {
		go func() {
			if err := p.Restart(context.Background(), id, "crash"); err != nil {
				p.log.Error("auto-restart failed", zap.String("agent_id", id), zap.Error(err))
			}
		}()
	}
}

func (p *Pool) startHealthTimer(id string, inst *Instance) {
	if inst.cfg.HealthCheckIntervalMs <= 0 {
		return
	}
	stop := make(chan struct{})
	p.mu.Lock()
	p.stopTimer[id] = stop
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(inst.cfg.HealthCheckIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.checkHealth(id, inst)
			}
		}
	}()
}

func (p *Pool) stopHealthTimer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stop, ok := p.stopTimer[id]; ok {
		close(stop)
		delete(p.stopTimer, id)
	}
}

func (p *Pool) checkHealth(id string, inst *Instance) {
	heartbeatTimeout := time.Duration(inst.cfg.HeartbeatTimeoutMs) * time.Millisecond
	if heartbeatTimeout > 0 && time.Since(inst.lastHeartbeat()) > heartbeatTimeout {
		p.recordHealthFailure(id, inst, "heartbeat_timeout")
		return
	}

	if p.healthCheck == nil {
		return
	}
	timeout := time.Duration(inst.cfg.HealthCheckTimeoutMs) * time.Millisecond
	if err := p.healthCheck.Check(context.Background(), id, inst.cfg.Port, timeout); err != nil {
		p.recordHealthFailure(id, inst, "health_check_failed")
	}
}

func (p *Pool) recordHealthFailure(id string, inst *Instance, reason string) {
	p.stopHealthTimer(id)
	_ = p.history(id).Append(HistoryEntry{
		Timestamp: time.Now().UTC(), InstanceID: id, AgentID: id, Event: EventHealthCheckFailed, Reason: reason,
	})
	_ = inst.Apply(TriggerHealthFailed)

	if inst.cfg.AutoRestart {
		go func() {
			if err := p.Restart(context.Background(), id, reason); err != nil {
				p.log.Error("health-triggered restart failed", zap.String("agent_id", id), zap.Error(err))
			}
		}()
	}
}
