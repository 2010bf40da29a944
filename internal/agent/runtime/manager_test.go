package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taskforge/conductor/internal/agent"
	"github.com/taskforge/conductor/internal/common/logger"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// fakeProcess is an in-memory AgentProcess stand-in so pool tests never
// spawn a real child process.
type fakeProcess struct {
	mu      sync.Mutex
	pid     int
	exit    chan ExitInfo
	signals []bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan ExitInfo, 1)}
}

func (f *fakeProcess) Start(ctx context.Context, cfg v1.AgentConfig, instanceID, logPath string) error {
	f.mu.Lock()
	f.pid = 4242
	f.mu.Unlock()
	return nil
}

func (f *fakeProcess) Signal(ctx context.Context, kill bool) error {
	f.mu.Lock()
	f.signals = append(f.signals, kill)
	f.mu.Unlock()
	return nil
}

func (f *fakeProcess) Wait(ctx context.Context) (ExitInfo, error) {
	select {
	case info := <-f.exit:
		return info, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

func (f *fakeProcess) PID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid
}

// fakeHealthChecker always reports the injected error.
type fakeHealthChecker struct {
	err error
}

func (h *fakeHealthChecker) Check(ctx context.Context, id string, port int, timeout time.Duration) error {
	return h.err
}

func newTestPool(t *testing.T, procs *[]*fakeProcess, healthCheck HealthChecker) *Pool {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	reg := agent.NewRegistry(log)
	factory := func(cfg v1.AgentConfig) AgentProcess {
		p := newFakeProcess()
		*procs = append(*procs, p)
		return p
	}
	return NewPool(reg, factory, healthCheck, t.TempDir(), log)
}

func TestPoolStartTransitionsToRunning(t *testing.T) {
	var procs []*fakeProcess
	pool := newTestPool(t, &procs, nil)

	if _, err := pool.Register(v1.AgentConfig{ID: "agent-1", Command: "true"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := pool.Start(context.Background(), "agent-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	inst, err := pool.Get("agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	snap := inst.Snapshot()
	if snap.State != v1.AgentRunning {
		t.Fatalf("expected RUNNING, got %s", snap.State)
	}
	if snap.PID == 0 {
		t.Fatal("expected a live pid while running")
	}
}

func TestPoolCrashAutoRestartsWithBackoff(t *testing.T) {
	var procs []*fakeProcess
	pool := newTestPool(t, &procs, nil)

	cfg := v1.AgentConfig{
		ID: "agent-2", Command: "true",
		AutoRestart: true, MaxRestarts: 3, RestartBackoffMs: 10,
	}
	if _, err := pool.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := pool.Start(context.Background(), "agent-2"); err != nil {
		t.Fatalf("start: %v", err)
	}

	procs[0].exit <- ExitInfo{ExitCode: 1}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := pool.Get("agent-2")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		snap := inst.Snapshot()
		if snap.State == v1.AgentRunning && snap.RestartCount == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected agent to auto-restart after crash within deadline")
}

func TestPoolCleanExitNeverRestarts(t *testing.T) {
	var procs []*fakeProcess
	pool := newTestPool(t, &procs, nil)

	cfg := v1.AgentConfig{ID: "agent-3", Command: "true", AutoRestart: true, MaxRestarts: 3}
	if _, err := pool.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := pool.Start(context.Background(), "agent-3"); err != nil {
		t.Fatalf("start: %v", err)
	}

	procs[0].exit <- ExitInfo{ExitCode: 0}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		inst, _ := pool.Get("agent-3")
		if inst.Snapshot().State == v1.AgentStopped {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	inst, _ := pool.Get("agent-3")
	if got := inst.Snapshot().State; got != v1.AgentStopped {
		t.Fatalf("expected clean exit to settle at STOPPED without restart, got %s", got)
	}
	if inst.Snapshot().RestartCount != 0 {
		t.Fatalf("expected no restart on clean exit, got restart count %d", inst.Snapshot().RestartCount)
	}
}

func TestPoolMaxRestartsExceededFails(t *testing.T) {
	var procs []*fakeProcess
	pool := newTestPool(t, &procs, nil)

	cfg := v1.AgentConfig{
		ID: "agent-4", Command: "true",
		AutoRestart: true, MaxRestarts: 1, RestartBackoffMs: 5,
	}
	if _, err := pool.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := pool.Start(context.Background(), "agent-4"); err != nil {
		t.Fatalf("start: %v", err)
	}

	procs[0].exit <- ExitInfo{ExitCode: 1}

	deadline := time.Now().Add(500 * time.Millisecond)
	var restarted bool
	for time.Now().Before(deadline) {
		inst, _ := pool.Get("agent-4")
		if inst.Snapshot().RestartCount == 1 && inst.Snapshot().State == v1.AgentRunning {
			restarted = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !restarted {
		t.Fatal("expected one successful restart before the limit")
	}

	procs[1].exit <- ExitInfo{ExitCode: 1}

	deadline = time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		inst, _ := pool.Get("agent-4")
		if inst.Snapshot().State == v1.AgentFailed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected agent to land in FAILED once max restarts is exceeded")
}

func TestPoolHeartbeatTimeoutTriggersRestart(t *testing.T) {
	var procs []*fakeProcess
	pool := newTestPool(t, &procs, nil)

	cfg := v1.AgentConfig{
		ID: "agent-5", Command: "true",
		AutoRestart: true, MaxRestarts: 3,
		HealthCheckIntervalMs: 10, HeartbeatTimeoutMs: 5,
	}
	if _, err := pool.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := pool.Start(context.Background(), "agent-5"); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		inst, _ := pool.Get("agent-5")
		if inst.Snapshot().RestartCount >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected heartbeat timeout to trigger a restart")
}

func TestPoolDispatchAcceptAndCompleteTrackLoad(t *testing.T) {
	var procs []*fakeProcess
	pool := newTestPool(t, &procs, nil)

	if _, err := pool.Register(v1.AgentConfig{ID: "agent-6", Command: "true", MaxConcurrentTasks: 2}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := pool.Start(context.Background(), "agent-6"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := pool.AcceptDispatch("agent-6"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	inst, _ := pool.Get("agent-6")
	if snap := inst.Snapshot(); snap.State != v1.AgentBusy || snap.CurrentLoad != 1 {
		t.Fatalf("expected BUSY with load 1, got state=%s load=%d", snap.State, snap.CurrentLoad)
	}

	if err := pool.CompleteDispatch("agent-6"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if snap := inst.Snapshot(); snap.State != v1.AgentRunning || snap.CurrentLoad != 0 {
		t.Fatalf("expected RUNNING with load 0, got state=%s load=%d", snap.State, snap.CurrentLoad)
	}
}
