package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/taskforge/conductor/internal/agent"
	"github.com/taskforge/conductor/internal/agent/runtime"
	"github.com/taskforge/conductor/internal/common/logger"
	"github.com/taskforge/conductor/internal/hub"
	"github.com/taskforge/conductor/internal/scheduler"
	"github.com/taskforge/conductor/internal/session"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

type fakeProcess struct {
	pid int
}

func (f *fakeProcess) Start(ctx context.Context, cfg v1.AgentConfig, instanceID, logPath string) error {
	f.pid = 99
	return nil
}
func (f *fakeProcess) Signal(ctx context.Context, kill bool) error { return nil }
func (f *fakeProcess) Wait(ctx context.Context) (runtime.ExitInfo, error) {
	<-ctx.Done()
	return runtime.ExitInfo{}, ctx.Err()
}
func (f *fakeProcess) PID() int { return f.pid }

func newTestDispatcher(t *testing.T) (*Dispatcher, *agent.Registry, *runtime.Pool, *hub.Hub) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	reg := agent.NewRegistry(log)
	pool := runtime.NewPool(reg, func(cfg v1.AgentConfig) runtime.AgentProcess {
		return &fakeProcess{}
	}, nil, t.TempDir(), log)

	registry := hub.NewModuleRegistry()
	mailbox := hub.NewMailbox(time.Hour)
	bus := hub.NewMemoryEventBus(log)
	h := hub.New(registry, mailbox, bus, log)

	store := session.NewStore(t.TempDir(), nil)

	return New(reg, pool, h, store, log), reg, pool, h
}

func registerAndStart(t *testing.T, reg *agent.Registry, pool *runtime.Pool, cfg v1.AgentConfig) {
	t.Helper()
	if _, err := reg.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := pool.Register(cfg); err != nil {
		t.Fatalf("pool register: %v", err)
	}
	if err := pool.Start(context.Background(), cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestDispatchSuccessCreatesSubSession(t *testing.T) {
	d, reg, pool, h := newTestDispatcher(t)
	registerAndStart(t, reg, pool, v1.AgentConfig{ID: "worker", Command: "true", MaxConcurrentTasks: 1})

	if err := h.RegisterOutput("worker", func(msg *v1.Message) (any, error) {
		return "done:" + msg.Content, nil
	}); err != nil {
		t.Fatalf("register output: %v", err)
	}

	parent, err := session.NewStore(t.TempDir(), nil).Create(context.Background(), "/proj", "")
	if err != nil {
		t.Fatalf("create parent session: %v", err)
	}

	res, err := d.Dispatch(context.Background(), Request{
		SourceAgentID:   "orchestrator",
		TargetAgentID:   "worker",
		Task:            "do the thing",
		ProjectPath:     "/proj",
		SourceSessionID: parent.ID,
		Blocking:        true,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.SubSessionID == "" {
		t.Fatal("expected a sub-session id")
	}
	if res.Result != "done:do the thing" {
		t.Fatalf("unexpected result: %v", res.Result)
	}

	inst, err := pool.Get("worker")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap := inst.Snapshot(); snap.CurrentLoad != 0 {
		t.Fatalf("expected load released after dispatch completes, got %d", snap.CurrentLoad)
	}
}

func TestDispatchReturnsConflictWhenBusyAndNotQueueing(t *testing.T) {
	d, reg, pool, h := newTestDispatcher(t)
	registerAndStart(t, reg, pool, v1.AgentConfig{ID: "worker", Command: "true", MaxConcurrentTasks: 1})

	release := make(chan struct{})
	if err := h.RegisterOutput("worker", func(msg *v1.Message) (any, error) {
		<-release
		return "ok", nil
	}); err != nil {
		t.Fatalf("register output: %v", err)
	}

	if err := pool.AcceptDispatch("worker"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer close(release)

	_, err := d.Dispatch(context.Background(), Request{
		SourceAgentID: "orchestrator",
		TargetAgentID: "worker",
		Task:          "second task",
		ProjectPath:   "/proj",
		QueueOnBusy:   false,
	})
	if err == nil {
		t.Fatal("expected an error when target is at capacity and queueing is disabled")
	}
}

func TestDispatchQueuesThenAdmitsOnceSlotFrees(t *testing.T) {
	d, reg, pool, h := newTestDispatcher(t)
	registerAndStart(t, reg, pool, v1.AgentConfig{ID: "worker", Command: "true", MaxConcurrentTasks: 1})

	if err := h.RegisterOutput("worker", func(msg *v1.Message) (any, error) {
		return "done", nil
	}); err != nil {
		t.Fatalf("register output: %v", err)
	}

	if err := pool.AcceptDispatch("worker"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = pool.CompleteDispatch("worker")
	}()

	res, err := d.Dispatch(context.Background(), Request{
		SourceAgentID:  "orchestrator",
		TargetAgentID:  "worker",
		Task:           "queued task",
		ProjectPath:    "/proj",
		Blocking:       true,
		QueueOnBusy:    true,
		MaxQueueWaitMs: minQueueWaitMs,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Result != "done" {
		t.Fatalf("unexpected result: %v", res.Result)
	}
}

func TestDispatchTimesOutWhenNoSlotFrees(t *testing.T) {
	d, reg, pool, h := newTestDispatcher(t)
	registerAndStart(t, reg, pool, v1.AgentConfig{ID: "worker", Command: "true", MaxConcurrentTasks: 1})

	release := make(chan struct{})
	defer close(release)
	if err := h.RegisterOutput("worker", func(msg *v1.Message) (any, error) {
		<-release
		return "ok", nil
	}); err != nil {
		t.Fatalf("register output: %v", err)
	}

	if err := pool.AcceptDispatch("worker"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	statuses := make(chan string, 16)
	sub, err := h.Subscribe(hub.TopicMessageUpdate, func(ctx context.Context, event *hub.Event) error {
		if s, ok := event.Data["status"].(string); ok {
			statuses <- s
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	_, err = d.Dispatch(context.Background(), Request{
		SourceAgentID:  "orchestrator",
		TargetAgentID:  "worker",
		Task:           "queued task",
		ProjectPath:    "/proj",
		QueueOnBusy:    true,
		MaxQueueWaitMs: minQueueWaitMs,
	})
	if err == nil {
		t.Fatal("expected a timeout error when no slot frees within maxQueueWaitMs")
	}

	sawFailed := false
	for !sawFailed {
		select {
		case s := <-statuses:
			if s == string(v1.MailboxFailed) {
				sawFailed = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected the mailbox to report the queued dispatch as failed")
		}
	}
}

func TestDispatchDeniedBySchedulerWhenGloballyFull(t *testing.T) {
	d, reg, pool, h := newTestDispatcher(t)
	registerAndStart(t, reg, pool, v1.AgentConfig{ID: "worker", Command: "true", MaxConcurrentTasks: 5})

	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	schedCfg := scheduler.DefaultConfig()
	schedCfg.GlobalMaxConcurrency = 1
	sched := scheduler.New(schedCfg, scheduler.NewResourcePool(), log)
	d.WithScheduler(sched)

	if err := h.RegisterOutput("worker", func(msg *v1.Message) (any, error) {
		return "done", nil
	}); err != nil {
		t.Fatalf("register output: %v", err)
	}

	// Occupy the scheduler's single global slot directly.
	busy := &v1.TaskNode{ID: "busy-task", Description: "holding the slot"}
	if err := sched.StartTask(context.Background(), busy, nil, time.Now()); err != nil {
		t.Fatalf("start busy task: %v", err)
	}
	defer sched.CompleteTask(busy.ID, true)

	_, err = d.Dispatch(context.Background(), Request{
		SourceAgentID: "orchestrator",
		TargetAgentID: "worker",
		Task:          "do the thing",
		ProjectPath:   "/proj",
		QueueOnBusy:   false,
	})
	if err == nil {
		t.Fatal("expected dispatch to be denied while the scheduler is at global capacity")
	}
}

func TestDispatchAdmittedBySchedulerTracksActiveCount(t *testing.T) {
	d, reg, pool, h := newTestDispatcher(t)
	registerAndStart(t, reg, pool, v1.AgentConfig{ID: "worker", Command: "true", MaxConcurrentTasks: 1})

	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	sched := scheduler.New(scheduler.DefaultConfig(), scheduler.NewResourcePool(), log)
	d.WithScheduler(sched)

	release := make(chan struct{})
	var sawActiveDuringRun int
	if err := h.RegisterOutput("worker", func(msg *v1.Message) (any, error) {
		sawActiveDuringRun = sched.ActiveCount()
		close(release)
		return "done", nil
	}); err != nil {
		t.Fatalf("register output: %v", err)
	}

	_, err = d.Dispatch(context.Background(), Request{
		SourceAgentID: "orchestrator",
		TargetAgentID: "worker",
		Task:          "do the thing",
		ProjectPath:   "/proj",
		Blocking:      true,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	<-release
	if sawActiveDuringRun != 1 {
		t.Fatalf("expected scheduler to report 1 active task during dispatch, got %d", sawActiveDuringRun)
	}
	if sched.ActiveCount() != 0 {
		t.Fatalf("expected scheduler to release the task after dispatch completed, got %d active", sched.ActiveCount())
	}
}
