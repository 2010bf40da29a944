package workflow

import (
	"context"
	"testing"

	"github.com/taskforge/conductor/internal/common/logger"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	guard := NewOperationGuard()
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewManager(NewWorkflowFSM(guard), NewTaskFSM(guard), log)
}

func TestStartWorkflowReachesSemanticUnderstanding(t *testing.T) {
	m := newTestManager(t)
	wf, err := m.StartWorkflow("sess-1", "build a feature")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != v1.WorkflowSemanticUnderstanding {
		t.Fatalf("expected semantic_understanding, got %s", wf.State)
	}
}

func TestAddTaskAndRefreshReadyTasks(t *testing.T) {
	m := newTestManager(t)
	wf, err := m.StartWorkflow("sess-1", "build a feature")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.AddTask(wf.ID, &v1.TaskNode{ID: "t1", Description: "step one"}); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if err := m.AddTask(wf.ID, &v1.TaskNode{ID: "t2", Description: "step two", BlockedBy: []string{"t1"}}); err != nil {
		t.Fatalf("add task: %v", err)
	}

	ready, err := m.RefreshReadyTasks(wf.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "t1" {
		t.Fatalf("expected t1 ready, got %+v", ready)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	m := newTestManager(t)
	wf, err := m.StartWorkflow("sess-1", "task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Pause(wf.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := m.Get(wf.ID)
	if got.State != v1.WorkflowPaused {
		t.Fatalf("expected paused, got %s", got.State)
	}
	if err := m.Resume(wf.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = m.Get(wf.ID)
	if got.State != v1.WorkflowExecution {
		t.Fatalf("expected execution, got %s", got.State)
	}
	if err := m.Cancel(wf.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ = m.Get(wf.ID)
	if got.State != v1.WorkflowFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
}

func TestRunMainTurnAppliesExecutionNudgeOnce(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	run := func(ctx context.Context, input string) (string, bool, error) {
		calls++
		if calls == 1 {
			return "I will fix this shortly.", false, nil
		}
		return "I ran the fix and the tests passed.", true, nil
	}
	reply, err := m.RunMainTurn(context.Background(), "please fix the bug", run)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected nudge to trigger a second call, got %d calls", calls)
	}
	if reply != "I ran the fix and the tests passed." {
		t.Fatalf("unexpected reply: %s", reply)
	}
}

func TestRunMainTurnSkipsNudgeWhenEvidencePresent(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	run := func(ctx context.Context, input string) (string, bool, error) {
		calls++
		return "I ran the tests and they passed.", true, nil
	}
	reply, err := m.RunMainTurn(context.Background(), "please run the tests", run)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no nudge, got %d calls", calls)
	}
	if reply != "I ran the tests and they passed." {
		t.Fatalf("unexpected reply: %s", reply)
	}
}

func TestRunMainTurnSkipsNudgeForNonExecutionInput(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	run := func(ctx context.Context, input string) (string, bool, error) {
		calls++
		return "Sure, here's an explanation.", false, nil
	}
	if _, err := m.RunMainTurn(context.Background(), "what does this function do?", run); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no nudge for a non-execution-oriented question, got %d calls", calls)
	}
}
