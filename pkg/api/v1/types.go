// Package v1 defines the wire-level data model shared across the
// orchestration engine's subsystems (spec §3).
package v1

import "time"

// ModuleKind is the sealed capability set a registered Module belongs to.
type ModuleKind string

const (
	ModuleKindInput  ModuleKind = "input"
	ModuleKindOutput ModuleKind = "output"
	ModuleKindAgent  ModuleKind = "agent"
)

// SessionStatus is a Session's lifecycle status.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
)

// MessageRole identifies who authored a Message.
type MessageRole string

const (
	RoleUser         MessageRole = "user"
	RoleAssistant    MessageRole = "assistant"
	RoleSystem       MessageRole = "system"
	RoleOrchestrator MessageRole = "orchestrator"
)

// MailboxStatus is a MailboxEntry's terminal-sticky status.
type MailboxStatus string

const (
	MailboxPending    MailboxStatus = "pending"
	MailboxProcessing MailboxStatus = "processing"
	MailboxCompleted  MailboxStatus = "completed"
	MailboxFailed     MailboxStatus = "failed"
)

// WorkflowState is the Workflow FSM's state (spec §4.2).
type WorkflowState string

const (
	WorkflowIdle                 WorkflowState = "idle"
	WorkflowSemanticUnderstanding WorkflowState = "semantic_understanding"
	WorkflowRoutingDecision      WorkflowState = "routing_decision"
	WorkflowPlanLoop             WorkflowState = "plan_loop"
	WorkflowExecution            WorkflowState = "execution"
	WorkflowReview               WorkflowState = "review"
	WorkflowReplanEvaluation     WorkflowState = "replan_evaluation"
	WorkflowWaitUserDecision     WorkflowState = "wait_user_decision"
	WorkflowPaused               WorkflowState = "paused"
	WorkflowCompleted            WorkflowState = "completed"
	WorkflowFailed               WorkflowState = "failed"
)

// TaskState is the Task FSM's state (spec §4.2).
type TaskState string

const (
	TaskCreated           TaskState = "created"
	TaskReady             TaskState = "ready"
	TaskDispatching       TaskState = "dispatching"
	TaskDispatched        TaskState = "dispatched"
	TaskRunning           TaskState = "running"
	TaskExecutionSucceeded TaskState = "execution_succeeded"
	TaskReviewing         TaskState = "reviewing"
	TaskDone              TaskState = "done"
	TaskExecutionFailed   TaskState = "execution_failed"
	TaskReworkRequired    TaskState = "rework_required"
	TaskBlocked           TaskState = "blocked"
)

// AgentLifecycleState is the Agent Instance lifecycle FSM (spec §4.4).
type AgentLifecycleState string

const (
	AgentRegistered AgentLifecycleState = "REGISTERED"
	AgentStarting   AgentLifecycleState = "STARTING"
	AgentRunning    AgentLifecycleState = "RUNNING"
	AgentBusy       AgentLifecycleState = "BUSY"
	AgentIdle       AgentLifecycleState = "IDLE"
	AgentStopping   AgentLifecycleState = "STOPPING"
	AgentStopped    AgentLifecycleState = "STOPPED"
	AgentFailed     AgentLifecycleState = "FAILED"
)

// ResourceStatus is a Resource's allocation status.
type ResourceStatus string

const (
	ResourceAvailable ResourceStatus = "available"
	ResourceBusy      ResourceStatus = "busy"
	ResourceDeployed  ResourceStatus = "deployed"
)

// Module is a named handler registered with the Message Hub.
type Module struct {
	ID           string            `json:"id"`
	Kind         ModuleKind        `json:"kind"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Attachment is a non-text payload carried by a Message.
type Attachment struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// Message is one entry in a Session's append-only log.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Role        MessageRole  `json:"role"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Seq         uint64       `json:"seq"` // monotone counter breaking timestamp ties
	Attachments []Attachment `json:"attachments,omitempty"`
	WorkflowID  string       `json:"workflow_id,omitempty"`
	TaskID      string       `json:"task_id,omitempty"`
}

// Session is a long-lived conversation state (spec §3).
type Session struct {
	ID              string            `json:"id"`
	ProjectPath     string            `json:"project_path"`
	RootSessionID   string            `json:"root_session_id"`
	ParentSessionID string            `json:"parent_session_id,omitempty"`
	OwnerAgentID    string            `json:"owner_agent_id,omitempty"`
	Status          SessionStatus     `json:"status"`
	Messages        []Message         `json:"messages"`
	Summary         string            `json:"summary,omitempty"`
	Context         map[string]any    `json:"context,omitempty"`
	ActiveWorkflows map[string]bool   `json:"active_workflows,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastAccessedAt  time.Time         `json:"last_accessed_at"`
}

// MailboxEntry tracks one Hub send() through its lifecycle.
type MailboxEntry struct {
	ID         string            `json:"id"`
	CallbackID string            `json:"callback_id,omitempty"`
	Target     string            `json:"target"`
	Status     MailboxStatus     `json:"status"`
	Result     any               `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TaskResult is the success/output/error payload of a completed task.
type TaskResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskNode is one node in a Workflow's dependency DAG.
type TaskNode struct {
	ID                      string     `json:"id"`
	WorkflowID              string     `json:"workflow_id"`
	Description             string     `json:"description"`
	State                   TaskState  `json:"state"`
	AssigneeAgentID         string     `json:"assignee_agent_id,omitempty"`
	BlockedBy               []string   `json:"blocked_by,omitempty"`
	Tools                   []string   `json:"tools,omitempty"`
	Result                  *TaskResult `json:"result,omitempty"`
	IterationCount          int        `json:"iteration_count"`
	MaxIterations           int        `json:"max_iterations"`
	ContextIsolationRequired bool      `json:"context_isolation_required,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Workflow owns a task DAG driven through the Workflow FSM.
type Workflow struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	EpicID    string         `json:"epic_id,omitempty"`
	State     WorkflowState  `json:"state"`
	UserTask  string         `json:"user_task"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AgentConfig is the static configuration for one supervised agent type.
type AgentConfig struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Mode                  string            `json:"mode"` // auto | manual
	Port                  int               `json:"port"`
	Command               string            `json:"command"`
	Args                  []string          `json:"args"`
	AutoStart             bool              `json:"auto_start"`
	AutoRestart           bool              `json:"auto_restart"`
	MaxRestarts           int               `json:"max_restarts"`
	RestartBackoffMs      int64             `json:"restart_backoff_ms"`
	HealthCheckIntervalMs int64             `json:"health_check_interval_ms"`
	HealthCheckTimeoutMs  int64             `json:"health_check_timeout_ms"`
	HeartbeatTimeoutMs    int64             `json:"heartbeat_timeout_ms"`
	MaxConcurrentTasks    int               `json:"max_concurrent_tasks"`
	SystemPrompt          string            `json:"system_prompt,omitempty"`
	AllowedTools          []string          `json:"allowed_tools,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
}

// AgentInstance is the runtime state of one supervised agent process.
type AgentInstance struct {
	ID              string               `json:"id"`
	AgentID         string               `json:"agent_id"`
	State           AgentLifecycleState  `json:"state"`
	PID             int                  `json:"pid,omitempty"`
	RestartCount    int                  `json:"restart_count"`
	LastRestartTime time.Time            `json:"last_restart_time,omitempty"`
	StartTime       time.Time            `json:"start_time,omitempty"`
	LastHeartbeat   time.Time            `json:"last_heartbeat,omitempty"`
	CurrentLoad     int                  `json:"current_load"`
}

// Resource is a unit of capability the scheduler can allocate.
type Resource struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	CapabilityLevel    int            `json:"capability_level"`
	Status             ResourceStatus `json:"status"`
	CurrentSessionID   string         `json:"current_session_id,omitempty"`
	CurrentWorkflowID  string         `json:"current_workflow_id,omitempty"`
	TotalDeployments   int            `json:"total_deployments"`
}

// Checkpoint is an immutable snapshot of a workflow (spec §3).
type Checkpoint struct {
	CheckpointID   string            `json:"checkpoint_id"`
	SessionID      string            `json:"session_id"`
	Timestamp      time.Time         `json:"timestamp"`
	OriginalTask   string            `json:"original_task"`
	TaskProgress   []TaskNode        `json:"task_progress"`
	CompletedTaskIDs []string        `json:"completed_task_ids"`
	FailedTaskIDs    []string        `json:"failed_task_ids"`
	PendingTaskIDs   []string        `json:"pending_task_ids"`
	AgentState     map[string]any    `json:"agent_state,omitempty"`
	PhaseHistory   []string          `json:"phase_history,omitempty"`
}
