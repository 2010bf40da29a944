// Package workflow owns Workflow and Task lifecycles, the review loop, and
// dependency-DAG enforcement (spec §4.2).
package workflow

import (
	"fmt"
	"sync"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// Trigger identifies what caused a workflow or task FSM to re-evaluate,
// generalizing the engine's on_enter/on_turn_start/on_exit trigger set to
// this domain's transition causes.
type Trigger string

const (
	TriggerNewUserTask     Trigger = "new_user_task"
	TriggerPlannerOutput   Trigger = "planner_output"
	TriggerReviewPassed    Trigger = "review_passed"
	TriggerReviewFailed    Trigger = "review_failed"
	TriggerReplanDecision  Trigger = "replan_decision"
	TriggerUserDecision    Trigger = "user_decision"
	TriggerPauseRequested  Trigger = "pause_requested"
	TriggerResumeRequested Trigger = "resume_requested"
	TriggerCancelRequested Trigger = "cancel_requested"

	TriggerDepsSatisfied    Trigger = "deps_satisfied"
	TriggerDispatchStarted  Trigger = "dispatch_started"
	TriggerDispatchAccepted Trigger = "dispatch_accepted"
	TriggerAgentStarted     Trigger = "agent_started"
	TriggerExecutionOK      Trigger = "execution_ok"
	TriggerExecutionFailed  Trigger = "execution_failed"
	TriggerReviewTaskPassed Trigger = "review_task_passed"
	TriggerReworkRequested  Trigger = "rework_requested"
	TriggerBlockRequested   Trigger = "block_requested"
)

var workflowTransitions = map[v1.WorkflowState]map[Trigger]v1.WorkflowState{
	v1.WorkflowIdle: {
		TriggerNewUserTask: v1.WorkflowSemanticUnderstanding,
	},
	v1.WorkflowSemanticUnderstanding: {
		TriggerPlannerOutput: v1.WorkflowRoutingDecision,
	},
	v1.WorkflowRoutingDecision: {
		TriggerPlannerOutput: v1.WorkflowPlanLoop,
	},
	v1.WorkflowPlanLoop: {
		TriggerPlannerOutput: v1.WorkflowExecution,
	},
	v1.WorkflowExecution: {
		TriggerReviewPassed: v1.WorkflowReview,
		TriggerReviewFailed: v1.WorkflowReview,
	},
	v1.WorkflowReview: {
		TriggerReviewFailed: v1.WorkflowExecution,
		TriggerReviewPassed: v1.WorkflowCompleted,
		TriggerReplanDecision: v1.WorkflowReplanEvaluation,
		TriggerUserDecision: v1.WorkflowWaitUserDecision,
	},
	v1.WorkflowReplanEvaluation: {
		TriggerPlannerOutput: v1.WorkflowExecution,
		TriggerUserDecision:  v1.WorkflowWaitUserDecision,
	},
	v1.WorkflowWaitUserDecision: {
		TriggerUserDecision: v1.WorkflowExecution,
	},
}

// nonTerminalWorkflowStates lets pause be reached from any of them, per spec.
var nonTerminalWorkflowStates = map[v1.WorkflowState]bool{
	v1.WorkflowIdle: true, v1.WorkflowSemanticUnderstanding: true, v1.WorkflowRoutingDecision: true,
	v1.WorkflowPlanLoop: true, v1.WorkflowExecution: true, v1.WorkflowReview: true,
	v1.WorkflowReplanEvaluation: true, v1.WorkflowWaitUserDecision: true,
}

var taskTransitions = map[v1.TaskState]map[Trigger]v1.TaskState{
	v1.TaskCreated: {
		TriggerDepsSatisfied: v1.TaskReady,
	},
	v1.TaskReady: {
		TriggerDispatchStarted: v1.TaskDispatching,
	},
	v1.TaskDispatching: {
		TriggerDispatchAccepted: v1.TaskDispatched,
	},
	v1.TaskDispatched: {
		TriggerAgentStarted: v1.TaskRunning,
	},
	v1.TaskRunning: {
		TriggerExecutionOK:     v1.TaskExecutionSucceeded,
		TriggerExecutionFailed: v1.TaskExecutionFailed,
	},
	v1.TaskExecutionSucceeded: {
		TriggerReviewTaskPassed: v1.TaskReviewing,
	},
	v1.TaskReviewing: {
		TriggerReviewPassed: v1.TaskDone,
		TriggerReviewFailed: v1.TaskReworkRequired,
	},
	v1.TaskExecutionFailed: {
		TriggerReworkRequested: v1.TaskReworkRequired,
		TriggerBlockRequested:  v1.TaskBlocked,
	},
	v1.TaskReworkRequired: {
		TriggerDepsSatisfied: v1.TaskReady,
	},
}

// OperationGuard is the idempotent-apply mechanism generalized from the
// engine's operationID guard: every transition request carries an
// operationID, and re-delivering the same id is a no-op.
type OperationGuard struct {
	mu      sync.Mutex
	applied map[string]bool
}

// NewOperationGuard constructs an empty guard.
func NewOperationGuard() *OperationGuard {
	return &OperationGuard{applied: make(map[string]bool)}
}

// IsApplied reports whether operationID has already been processed.
func (g *OperationGuard) IsApplied(operationID string) bool {
	if operationID == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied[operationID]
}

// MarkApplied records operationID as processed.
func (g *OperationGuard) MarkApplied(operationID string) {
	if operationID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applied[operationID] = true
}

// WorkflowFSM drives a single Workflow's state.
type WorkflowFSM struct {
	guard *OperationGuard
}

// NewWorkflowFSM constructs a WorkflowFSM sharing guard with its TaskFSM
// siblings so a transition delivered twice under the same id is a no-op
// across both machines.
func NewWorkflowFSM(guard *OperationGuard) *WorkflowFSM {
	if guard == nil {
		guard = NewOperationGuard()
	}
	return &WorkflowFSM{guard: guard}
}

// Apply transitions wf.State on trigger, or returns a ConflictError if no
// transition is defined from the current state for that trigger. Pause is
// reachable from any non-terminal state, resume moves a paused workflow to
// execution, and cancel moves any state to failed; these three are handled
// here before the transition table is consulted.
func (f *WorkflowFSM) Apply(wf *v1.Workflow, trigger Trigger, operationID string) error {
	if f.guard.IsApplied(operationID) {
		return nil
	}

	if trigger == TriggerPauseRequested {
		if !nonTerminalWorkflowStates[wf.State] {
			return cerrors.Conflict(fmt.Sprintf("workflow %q is already terminal", wf.ID))
		}
		wf.State = v1.WorkflowPaused
		f.guard.MarkApplied(operationID)
		return nil
	}
	if trigger == TriggerResumeRequested {
		if wf.State != v1.WorkflowPaused {
			return cerrors.Conflict(fmt.Sprintf("workflow %q is not paused", wf.ID))
		}
		wf.State = v1.WorkflowExecution
		f.guard.MarkApplied(operationID)
		return nil
	}
	if trigger == TriggerCancelRequested {
		wf.State = v1.WorkflowFailed
		f.guard.MarkApplied(operationID)
		return nil
	}

	next, ok := workflowTransitions[wf.State][trigger]
	if !ok {
		return cerrors.Conflict(fmt.Sprintf("no transition from %q on trigger %q", wf.State, trigger))
	}
	wf.State = next
	f.guard.MarkApplied(operationID)
	return nil
}

// TaskFSM drives a single TaskNode's state.
type TaskFSM struct {
	guard *OperationGuard
}

// NewTaskFSM constructs a TaskFSM, optionally sharing an OperationGuard.
func NewTaskFSM(guard *OperationGuard) *TaskFSM {
	if guard == nil {
		guard = NewOperationGuard()
	}
	return &TaskFSM{guard: guard}
}

// Apply transitions task.State on trigger.
func (f *TaskFSM) Apply(task *v1.TaskNode, trigger Trigger, operationID string) error {
	if f.guard.IsApplied(operationID) {
		return nil
	}
	next, ok := taskTransitions[task.State][trigger]
	if !ok {
		return cerrors.Conflict(fmt.Sprintf("no transition from %q on trigger %q", task.State, trigger))
	}
	task.State = next
	f.guard.MarkApplied(operationID)
	return nil
}
