package workflow

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	"github.com/taskforge/conductor/internal/common/logger"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

var executionOrientedKeywords = regexp.MustCompile(`(?i)\b(modify|run|test|fix|implement|edit|search)\b`)
var executionEvidenceKeywords = regexp.MustCompile(`(?i)\b(ran|executed|output|stdout|exit code|tool result|applied)\b`)

// TurnRunner executes one main-thread turn and reports whether any tool
// trace evidence was recorded, so the nudge policy can decide whether the
// reply looks like a promise without evidence.
type TurnRunner func(ctx context.Context, input string) (reply string, hasToolTrace bool, err error)

// entry is one workflow's mutable state held by the Manager.
type entry struct {
	mu       sync.Mutex
	workflow *v1.Workflow
	graph    *Graph
}

// Manager owns every Workflow and its Tasks, drives the Workflow/Task FSMs,
// enforces the task DAG, and runs the review loop and execution-nudge
// policy (spec §4.2).
type Manager struct {
	mu         sync.RWMutex
	workflows  map[string]*entry
	workflowFSM *WorkflowFSM
	taskFSM     *TaskFSM
	log         *logger.Logger
}

// NewManager constructs a Manager; wfFSM and taskFSM should share an
// OperationGuard if callers want cross-machine idempotency.
func NewManager(wfFSM *WorkflowFSM, taskFSM *TaskFSM, log *logger.Logger) *Manager {
	return &Manager{
		workflows:   make(map[string]*entry),
		workflowFSM: wfFSM,
		taskFSM:     taskFSM,
		log:         log,
	}
}

// StartWorkflow creates a Workflow in idle state and immediately applies
// the new-user-task trigger, moving it to semantic_understanding.
func (m *Manager) StartWorkflow(sessionID, userTask string) (*v1.Workflow, error) {
	now := time.Now().UTC()
	wf := &v1.Workflow{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		State:     v1.WorkflowIdle,
		UserTask:  userTask,
		Context:   map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	e := &entry{workflow: wf, graph: NewGraph(wf.ID)}

	m.mu.Lock()
	m.workflows[wf.ID] = e
	m.mu.Unlock()

	if err := m.workflowFSM.Apply(wf, TriggerNewUserTask, uuid.New().String()); err != nil {
		return nil, err
	}
	wf.UpdatedAt = time.Now().UTC()
	return wf, nil
}

// Get returns a workflow by id.
func (m *Manager) Get(workflowID string) (*v1.Workflow, error) {
	m.mu.RLock()
	e, ok := m.workflows[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, cerrors.NotFound("workflow", workflowID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflow, nil
}

// Graph returns the task arena for a workflow.
func (m *Manager) Graph(workflowID string) (*Graph, error) {
	m.mu.RLock()
	e, ok := m.workflows[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, cerrors.NotFound("workflow", workflowID)
	}
	return e.graph, nil
}

// AddTask adds a task to a workflow's DAG in the created state.
func (m *Manager) AddTask(workflowID string, task *v1.TaskNode) error {
	m.mu.RLock()
	e, ok := m.workflows[workflowID]
	m.mu.RUnlock()
	if !ok {
		return cerrors.NotFound("workflow", workflowID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if task.State == "" {
		task.State = v1.TaskCreated
	}
	if task.MaxIterations == 0 {
		task.MaxIterations = DefaultMaxReviewTurns
	}
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	return e.graph.AddTask(task)
}

// Pause transitions a workflow to paused from any non-terminal state.
func (m *Manager) Pause(workflowID string) error {
	return m.withWorkflow(workflowID, func(wf *v1.Workflow) error {
		return m.workflowFSM.Apply(wf, TriggerPauseRequested, uuid.New().String())
	})
}

// Resume transitions a paused workflow back to execution.
func (m *Manager) Resume(workflowID string) error {
	return m.withWorkflow(workflowID, func(wf *v1.Workflow) error {
		return m.workflowFSM.Apply(wf, TriggerResumeRequested, uuid.New().String())
	})
}

// Cancel marks a workflow failed.
func (m *Manager) Cancel(workflowID string) error {
	return m.withWorkflow(workflowID, func(wf *v1.Workflow) error {
		return m.workflowFSM.Apply(wf, TriggerCancelRequested, uuid.New().String())
	})
}

// EnterWaitForUserDecision moves a workflow in review or replan_evaluation
// into wait_user_decision, where it parks until ResolveUserDecision (or an
// ask resolution routed through it) drives it back to execution.
func (m *Manager) EnterWaitForUserDecision(workflowID string) error {
	return m.withWorkflow(workflowID, func(wf *v1.Workflow) error {
		return m.workflowFSM.Apply(wf, TriggerUserDecision, uuid.New().String())
	})
}

// ResolveUserDecision drives a workflow parked in wait_user_decision back
// to execution — the transition workflow.input applies once it has routed
// the user's answer to the ask (or instruction) that was blocking it.
func (m *Manager) ResolveUserDecision(workflowID string) error {
	return m.withWorkflow(workflowID, func(wf *v1.Workflow) error {
		return m.workflowFSM.Apply(wf, TriggerUserDecision, uuid.New().String())
	})
}

func (m *Manager) withWorkflow(workflowID string, fn func(wf *v1.Workflow) error) error {
	m.mu.RLock()
	e, ok := m.workflows[workflowID]
	m.mu.RUnlock()
	if !ok {
		return cerrors.NotFound("workflow", workflowID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.workflow); err != nil {
		return err
	}
	e.workflow.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyWorkflowTrigger drives a workflow's FSM transition directly. It is
// the generic counterpart to Pause/Resume/Cancel for the internal
// triggers (new_user_task, planner_output, review_passed/failed,
// replan_decision, user_decision) that a caller outside this package —
// the ReACT loop driver, the review loop, a test — needs to apply without
// this package growing one bespoke method per trigger.
func (m *Manager) ApplyWorkflowTrigger(workflowID string, trigger Trigger) error {
	return m.withWorkflow(workflowID, func(wf *v1.Workflow) error {
		return m.workflowFSM.Apply(wf, trigger, uuid.New().String())
	})
}

// RefreshReadyTasks recomputes which tasks in a workflow are now eligible
// to transition created/rework_required -> ready, given completed deps.
func (m *Manager) RefreshReadyTasks(workflowID string) ([]*v1.TaskNode, error) {
	graph, err := m.Graph(workflowID)
	if err != nil {
		return nil, err
	}
	ready := graph.Ready()
	for _, t := range ready {
		if err := m.taskFSM.Apply(t, TriggerDepsSatisfied, uuid.New().String()); err != nil {
			return nil, err
		}
		t.UpdatedAt = time.Now().UTC()
	}
	return ready, nil
}

// ApplyTaskTrigger drives a single task's FSM transition.
func (m *Manager) ApplyTaskTrigger(workflowID, taskID string, trigger Trigger, operationID string) error {
	graph, err := m.Graph(workflowID)
	if err != nil {
		return err
	}
	task, ok := graph.Get(taskID)
	if !ok {
		return cerrors.NotFound("task", taskID)
	}
	if err := m.taskFSM.Apply(task, trigger, operationID); err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// RunMainTurn executes run, then applies the execution-nudge policy: if the
// user input looks execution-oriented and the reply shows no tool-trace
// evidence, the turn is re-issued once with a SYSTEM-CONTINUATION
// instruction. Recursion is prevented structurally: the nudged re-run's
// result is returned directly without re-checking the nudge condition, so
// the nudge fires at most once per call.
func (m *Manager) RunMainTurn(ctx context.Context, userInput string, run TurnRunner) (string, error) {
	reply, hasTrace, err := run(ctx, userInput)
	if err != nil {
		return "", err
	}

	looksExecutionOriented := executionOrientedKeywords.MatchString(userInput)
	looksLikePromiseWithoutEvidence := !hasTrace && !executionEvidenceKeywords.MatchString(reply)

	if looksExecutionOriented && looksLikePromiseWithoutEvidence {
		m.log.Debug("applying execution nudge", zap.String("input", userInput))
		nudgedInput := "SYSTEM-CONTINUATION: the previous reply did not include execution evidence; " +
			"continue the task and perform the described action now.\n\n" + userInput
		nudgedReply, _, err := run(ctx, nudgedInput)
		if err != nil {
			return "", err
		}
		return nudgedReply, nil
	}
	return reply, nil
}
