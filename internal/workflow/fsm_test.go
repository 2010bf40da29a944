package workflow

import (
	"testing"

	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

func TestWorkflowFSMHappyPath(t *testing.T) {
	fsm := NewWorkflowFSM(nil)
	wf := &v1.Workflow{ID: "wf-1", State: v1.WorkflowIdle}

	steps := []struct {
		trigger Trigger
		want    v1.WorkflowState
	}{
		{TriggerNewUserTask, v1.WorkflowSemanticUnderstanding},
		{TriggerPlannerOutput, v1.WorkflowRoutingDecision},
		{TriggerPlannerOutput, v1.WorkflowPlanLoop},
		{TriggerPlannerOutput, v1.WorkflowExecution},
		{TriggerReviewPassed, v1.WorkflowReview},
		{TriggerReviewPassed, v1.WorkflowCompleted},
	}
	for i, step := range steps {
		if err := fsm.Apply(wf, step.trigger, "op"+string(rune('a'+i))); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if wf.State != step.want {
			t.Fatalf("step %d: expected %s, got %s", i, step.want, wf.State)
		}
	}
}

func TestWorkflowFSMPauseFromAnyNonTerminalState(t *testing.T) {
	fsm := NewWorkflowFSM(nil)
	wf := &v1.Workflow{ID: "wf-2", State: v1.WorkflowExecution}
	if err := fsm.Apply(wf, TriggerPauseRequested, "op1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if wf.State != v1.WorkflowPaused {
		t.Fatalf("expected paused, got %s", wf.State)
	}
	if err := fsm.Apply(wf, TriggerResumeRequested, "op2"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if wf.State != v1.WorkflowExecution {
		t.Fatalf("expected execution, got %s", wf.State)
	}
}

func TestWorkflowFSMPauseFromTerminalFails(t *testing.T) {
	fsm := NewWorkflowFSM(nil)
	wf := &v1.Workflow{ID: "wf-3", State: v1.WorkflowCompleted}
	if err := fsm.Apply(wf, TriggerPauseRequested, "op1"); err == nil {
		t.Fatal("expected error pausing a terminal workflow")
	}
}

func TestWorkflowFSMIdempotentOperationID(t *testing.T) {
	fsm := NewWorkflowFSM(nil)
	wf := &v1.Workflow{ID: "wf-4", State: v1.WorkflowIdle}
	if err := fsm.Apply(wf, TriggerNewUserTask, "dup-op"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if wf.State != v1.WorkflowSemanticUnderstanding {
		t.Fatalf("expected semantic_understanding, got %s", wf.State)
	}
	// Re-delivering the same operationID must be a no-op, not an error,
	// even though WorkflowSemanticUnderstanding has no TriggerNewUserTask transition.
	if err := fsm.Apply(wf, TriggerNewUserTask, "dup-op"); err != nil {
		t.Fatalf("duplicate apply should be a no-op: %v", err)
	}
	if wf.State != v1.WorkflowSemanticUnderstanding {
		t.Fatalf("state should not have changed, got %s", wf.State)
	}
}

func TestWorkflowFSMInvalidTransition(t *testing.T) {
	fsm := NewWorkflowFSM(nil)
	wf := &v1.Workflow{ID: "wf-5", State: v1.WorkflowIdle}
	if err := fsm.Apply(wf, TriggerReviewPassed, "op1"); err == nil {
		t.Fatal("expected error for invalid transition from idle")
	}
}

func TestTaskFSMHappyPath(t *testing.T) {
	fsm := NewTaskFSM(nil)
	task := &v1.TaskNode{ID: "t1", State: v1.TaskCreated}

	transitions := []struct {
		trigger Trigger
		want    v1.TaskState
	}{
		{TriggerDepsSatisfied, v1.TaskReady},
		{TriggerDispatchStarted, v1.TaskDispatching},
		{TriggerDispatchAccepted, v1.TaskDispatched},
		{TriggerAgentStarted, v1.TaskRunning},
		{TriggerExecutionOK, v1.TaskExecutionSucceeded},
		{TriggerReviewTaskPassed, v1.TaskReviewing},
		{TriggerReviewPassed, v1.TaskDone},
	}
	for i, tr := range transitions {
		if err := fsm.Apply(task, tr.trigger, "op"+string(rune('a'+i))); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if task.State != tr.want {
			t.Fatalf("step %d: expected %s, got %s", i, tr.want, task.State)
		}
	}
}

func TestTaskFSMFailureReworkLoop(t *testing.T) {
	fsm := NewTaskFSM(nil)
	task := &v1.TaskNode{ID: "t2", State: v1.TaskRunning}
	if err := fsm.Apply(task, TriggerExecutionFailed, "op1"); err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	if task.State != v1.TaskExecutionFailed {
		t.Fatalf("expected execution_failed, got %s", task.State)
	}
	if err := fsm.Apply(task, TriggerReworkRequested, "op2"); err != nil {
		t.Fatalf("rework requested: %v", err)
	}
	if task.State != v1.TaskReworkRequired {
		t.Fatalf("expected rework_required, got %s", task.State)
	}
	if err := fsm.Apply(task, TriggerDepsSatisfied, "op3"); err != nil {
		t.Fatalf("back to ready: %v", err)
	}
	if task.State != v1.TaskReady {
		t.Fatalf("expected ready, got %s", task.State)
	}
}
