// Package orchestrator is the facade spec §6 describes as "External
// Interfaces": the inbound commands (sendMessage, registerModule,
// workflow.pause|resume|cancel|input, agent.dispatch, agent.control) and
// the outbound broadcast events (messageUpdate, workflow_update,
// agent_update, session_paused|resumed) every out-of-scope transport
// collaborator (HTTP, WebSocket, CLI) is expected to wire itself to. It
// holds no business logic of its own — it only routes each call to the
// subsystem that owns it and publishes the resulting broadcast event.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskforge/conductor/internal/agent/dispatch"
	agentruntime "github.com/taskforge/conductor/internal/agent/runtime"
	"github.com/taskforge/conductor/internal/ask"
	cerrors "github.com/taskforge/conductor/internal/common/errors"
	"github.com/taskforge/conductor/internal/common/logger"
	"github.com/taskforge/conductor/internal/hub"
	"github.com/taskforge/conductor/internal/instructionbus"
	"github.com/taskforge/conductor/internal/session"
	"github.com/taskforge/conductor/internal/workflow"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// ControlAction is one of agent.control's five actions (spec §6).
type ControlAction string

const (
	ControlStatus    ControlAction = "status"
	ControlPause     ControlAction = "pause"
	ControlResume    ControlAction = "resume"
	ControlInterrupt ControlAction = "interrupt"
	ControlCancel    ControlAction = "cancel"
)

// Facade wires the Message Hub, Workflow Manager, Agent dispatcher/pool,
// and the keyed Ask/instruction mailboxes behind the single command
// surface spec §6 names, broadcasting the outbound events its calls
// produce (registerModule and the agent.control status action publish none).
type Facade struct {
	hub          *hub.Hub
	workflows    *workflow.Manager
	dispatcher   *dispatch.Dispatcher
	pool         *agentruntime.Pool
	sessions     *session.Store
	instructions *instructionbus.Bus
	asks         *ask.Registry
	log          *logger.Logger
}

// New constructs a Facade over already-wired subsystems.
func New(h *hub.Hub, workflows *workflow.Manager, dispatcher *dispatch.Dispatcher, pool *agentruntime.Pool, sessions *session.Store, instructions *instructionbus.Bus, log *logger.Logger) *Facade {
	return &Facade{
		hub:          h,
		workflows:    workflows,
		dispatcher:   dispatcher,
		pool:         pool,
		sessions:     sessions,
		instructions: instructions,
		asks:         ask.New(),
		log:          log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Asks exposes the facade's Ask registry so a workflow driver (e.g. the
// review loop reaching wait_user_decision) can Push a question under the
// workflow's scope before a caller's workflow.input can resolve it.
func (f *Facade) Asks() *ask.Registry { return f.asks }

// --- sendMessage -----------------------------------------------------

// SendMessageResult is what sendMessage returns (spec §6).
type SendMessageResult struct {
	MessageID string
	Status    v1.MailboxStatus
	Result    any
}

// SendMessage implements spec §6's sendMessage(target, message, opts).
func (f *Facade) SendMessage(ctx context.Context, target string, msg *v1.Message, opts hub.SendOptions) (*SendMessageResult, error) {
	res, err := f.hub.Send(ctx, target, msg, opts)
	if err != nil {
		return nil, err
	}
	status := v1.MailboxPending
	if entry, ok := f.hub.GetByMessageID(res.MessageID); ok {
		status = entry.Status
	}
	f.publish(ctx, hub.TopicMessageUpdate, map[string]interface{}{
		"message_id": res.MessageID,
		"status":     status,
	})
	return &SendMessageResult{MessageID: res.MessageID, Status: status, Result: res.Result}, nil
}

// --- registerModule ----------------------------------------------------

// ModuleDescriptor is what registerModule(descriptor) accepts — the
// module-path/YAML-descriptor form spec §6 names is a config-file parsing
// concern left to the out-of-scope config layer; callers that have
// already resolved a descriptor into a live handler use this directly.
type ModuleDescriptor struct {
	ID            string
	Kind          v1.ModuleKind
	Handler       hub.Handler
	DefaultRoutes []hub.Route
}

// RegisterModuleResult is what registerModule returns (spec §6).
type RegisterModuleResult struct {
	OK               bool
	ID               string
	AlreadyRegistered bool
}

// RegisterModule implements spec §6's registerModule. A second call for
// the same id returns AlreadyRegistered=true without any side effects
// (spec §8's round-trip idempotence property), rather than surfacing the
// Hub's ConflictError.
func (f *Facade) RegisterModule(desc ModuleDescriptor) (*RegisterModuleResult, error) {
	var err error
	switch desc.Kind {
	case v1.ModuleKindInput, v1.ModuleKindAgent:
		err = f.hub.RegisterInput(desc.ID, desc.Handler, desc.DefaultRoutes)
	case v1.ModuleKindOutput:
		err = f.hub.RegisterOutput(desc.ID, desc.Handler)
	default:
		return nil, cerrors.Validation("kind", fmt.Sprintf("unknown module kind %q", desc.Kind))
	}
	if err != nil {
		if cerrors.Is(err, cerrors.KindConflict) {
			return &RegisterModuleResult{OK: false, ID: desc.ID, AlreadyRegistered: true}, nil
		}
		return nil, err
	}
	return &RegisterModuleResult{OK: true, ID: desc.ID}, nil
}

// --- workflow.pause|resume|cancel|input --------------------------------

// WorkflowPause implements workflow.pause(workflowId).
func (f *Facade) WorkflowPause(ctx context.Context, workflowID string) error {
	if err := f.workflows.Pause(workflowID); err != nil {
		return err
	}
	f.publishWorkflowUpdate(ctx, workflowID, nil)
	return nil
}

// WorkflowResume implements workflow.resume(workflowId).
func (f *Facade) WorkflowResume(ctx context.Context, workflowID string) error {
	if err := f.workflows.Resume(workflowID); err != nil {
		return err
	}
	f.publishWorkflowUpdate(ctx, workflowID, nil)
	return nil
}

// WorkflowCancel implements workflow.cancel(workflowId), discarding any
// instructions or asks still parked under the workflow's scope (spec §5:
// "discarded when the workflow reaches a terminal state").
func (f *Facade) WorkflowCancel(ctx context.Context, workflowID string) error {
	if err := f.workflows.Cancel(workflowID); err != nil {
		return err
	}
	f.asks.Discard(workflowID)
	f.instructions.Consume(workflowID)
	f.publishWorkflowUpdate(ctx, workflowID, nil)
	return nil
}

// WorkflowInputResult reports how workflow.input was routed (spec §6 S6).
type WorkflowInputResult struct {
	Routed    string // "ask" | "instruction"
	RequestID string // set when Routed == "ask"
}

// WorkflowInput implements spec §6's workflow.input(workflowId, input):
// it routes to the oldest pending ask for that workflow's scope if one
// exists, resolving it and driving the workflow FSM back out of
// wait_user_decision; otherwise the input is enqueued as a runtime
// instruction for the next ReACT round to consume.
func (f *Facade) WorkflowInput(ctx context.Context, workflowID, input string) (*WorkflowInputResult, error) {
	if a, ok := f.asks.Resolve(workflowID, input); ok {
		if err := f.workflows.ResolveUserDecision(workflowID); err != nil {
			return nil, err
		}
		f.publishWorkflowUpdate(ctx, workflowID, map[string]interface{}{"userInput": input})
		return &WorkflowInputResult{Routed: "ask", RequestID: a.RequestID}, nil
	}

	f.instructions.Push(workflowID, input)
	f.publishWorkflowUpdate(ctx, workflowID, map[string]interface{}{"userInput": input, "queued": true})
	return &WorkflowInputResult{Routed: "instruction"}, nil
}

func (f *Facade) publishWorkflowUpdate(ctx context.Context, workflowID string, extra map[string]interface{}) {
	data := map[string]interface{}{"workflow_id": workflowID}
	wf, err := f.workflows.Get(workflowID)
	if err == nil {
		data["status"] = wf.State
		data["fsm_state"] = wf.State
	}
	for k, v := range extra {
		data[k] = v
	}
	f.publish(ctx, hub.TopicWorkflowUpdate, data)
}

// --- agent.dispatch ------------------------------------------------------

// AgentDispatch implements spec §6's agent.dispatch(...).
func (f *Facade) AgentDispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	res, err := f.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	f.publishAgentUpdate(ctx, req.TargetAgentID, map[string]interface{}{"sub_session_id": res.SubSessionID})
	return res, nil
}

// --- agent.control -------------------------------------------------------

// ControlRequest is one agent.control call (spec §6).
type ControlRequest struct {
	Action        ControlAction
	TargetAgentID string
	SessionID     string
	WorkflowID    string
	EpicID        string
	ProviderID    string
	Hard          bool
}

// ControlResult is what agent.control returns for the status action; the
// other actions return only an error.
type ControlResult struct {
	Instance v1.AgentInstance
}

// AgentControl implements spec §6's agent.control({action, ...}).
func (f *Facade) AgentControl(ctx context.Context, req ControlRequest) (*ControlResult, error) {
	switch req.Action {
	case ControlStatus:
		inst, err := f.pool.Get(req.TargetAgentID)
		if err != nil {
			return nil, err
		}
		return &ControlResult{Instance: inst.Snapshot()}, nil

	case ControlPause:
		if err := f.pauseSession(ctx, req); err != nil {
			return nil, err
		}
		f.publishAgentUpdate(ctx, req.TargetAgentID, nil)
		return nil, nil

	case ControlResume:
		if err := f.resumeSession(ctx, req); err != nil {
			return nil, err
		}
		f.publishAgentUpdate(ctx, req.TargetAgentID, nil)
		return nil, nil

	case ControlInterrupt:
		key := f.instructionScopeKey(req)
		f.instructions.Push(key, "SYSTEM-INTERRUPT: user requested interruption")
		f.publishAgentUpdate(ctx, req.TargetAgentID, map[string]interface{}{"interrupted": true})
		return nil, nil

	case ControlCancel:
		reason := "agent_control_cancel"
		if req.Hard {
			reason = "agent_control_cancel_hard"
		}
		if err := f.pool.Stop(ctx, req.TargetAgentID, reason); err != nil {
			return nil, err
		}
		f.publishAgentUpdate(ctx, req.TargetAgentID, map[string]interface{}{"cancelled": true})
		return nil, nil

	default:
		return nil, cerrors.Validation("action", fmt.Sprintf("unknown agent.control action %q", req.Action))
	}
}

func (f *Facade) instructionScopeKey(req ControlRequest) string {
	switch {
	case req.WorkflowID != "":
		return req.WorkflowID
	case req.EpicID != "":
		return req.EpicID
	default:
		return req.TargetAgentID
	}
}

func (f *Facade) pauseSession(ctx context.Context, req ControlRequest) error {
	if req.SessionID == "" {
		return nil
	}
	sess, err := f.sessions.Get(ctx, "", req.SessionID)
	if err != nil {
		return err
	}
	if err := f.sessions.Pause(ctx, sess); err != nil {
		return err
	}
	f.publish(ctx, hub.TopicSessionPaused, map[string]interface{}{"session_id": sess.ID})
	return nil
}

func (f *Facade) resumeSession(ctx context.Context, req ControlRequest) error {
	if req.SessionID == "" {
		return nil
	}
	sess, err := f.sessions.Get(ctx, "", req.SessionID)
	if err != nil {
		return err
	}
	if err := f.sessions.Resume(ctx, sess); err != nil {
		return err
	}
	f.publish(ctx, hub.TopicSessionResumed, map[string]interface{}{"session_id": sess.ID})
	return nil
}

func (f *Facade) publishAgentUpdate(ctx context.Context, agentID string, extra map[string]interface{}) {
	data := map[string]interface{}{"agent_id": agentID}
	if inst, err := f.pool.Get(agentID); err == nil {
		snap := inst.Snapshot()
		data["status"] = snap.State
		data["fsm_state"] = snap.State
		data["load"] = snap.CurrentLoad
	}
	for k, v := range extra {
		data[k] = v
	}
	f.publish(ctx, hub.TopicAgentUpdate, data)
}

func (f *Facade) publish(ctx context.Context, topic string, data map[string]interface{}) {
	event := hub.NewEvent(topic, "orchestrator", data)
	if err := f.hub.PublishEvent(ctx, topic, event); err != nil {
		f.log.Warn("failed to publish broadcast event", zap.String("topic", topic), zap.Error(err))
	}
}
