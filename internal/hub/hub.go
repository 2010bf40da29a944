package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	"github.com/taskforge/conductor/internal/common/logger"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// DefaultRouteTimeout bounds how long a blocking send() waits for its
// handler before surfacing a TimeoutError.
const DefaultRouteTimeout = 30 * time.Second

// SendOptions configure one Send call.
type SendOptions struct {
	Blocking   bool
	Sender     string
	CallbackID string
	Timeout    time.Duration
}

// SendResult is what Send returns. Result is populated only for blocking
// sends once the handler completes.
type SendResult struct {
	MessageID string
	Result    any
}

// Hub is the Message Hub: it addresses and dispatches messages to
// registered modules and layers request/response semantics on top of a
// fundamentally asynchronous model.
type Hub struct {
	registry *ModuleRegistry
	mailbox  *Mailbox
	bus      EventBus
	log      *logger.Logger
}

// New constructs a Hub over a pre-built registry, mailbox, and event bus.
func New(registry *ModuleRegistry, mailbox *Mailbox, bus EventBus, log *logger.Logger) *Hub {
	return &Hub{registry: registry, mailbox: mailbox, bus: bus, log: log}
}

// Send routes msg to target (or the module a matching route resolves to).
// Non-blocking sends return {messageId} immediately; the handler runs on
// its own goroutine and reports into the mailbox. Blocking sends await the
// handler up to opts.Timeout (default DefaultRouteTimeout) and return the
// handler's result inline.
func (h *Hub) Send(ctx context.Context, target string, msg *v1.Message, opts SendOptions) (*SendResult, error) {
	// Idempotent replay: a send carrying a callbackId that already has a
	// mailbox entry is the same logical operation repeated, so it returns
	// the original messageId (and, for blocking callers, the original
	// outcome) instead of dispatching the handler a second time.
	if opts.CallbackID != "" {
		if existing, ok := h.mailbox.GetByCallbackID(opts.CallbackID); ok {
			if !opts.Blocking {
				return &SendResult{MessageID: existing.ID}, nil
			}
			return h.awaitTerminal(ctx, existing.ID, opts.Timeout)
		}
	}

	resolved, ok := h.registry.Resolve(target, msg)
	if !ok {
		return nil, cerrors.NotFound("module", target)
	}
	handler, ok := h.registry.Lookup(resolved)
	if !ok {
		return nil, cerrors.NotFound("module", resolved)
	}

	messageID := msg.ID
	if messageID == "" {
		messageID = uuid.New().String()
		msg.ID = messageID
	}
	entry := h.mailbox.Create(messageID, resolved, opts.CallbackID)
	h.publishMessageUpdate(ctx, entry)

	if !opts.Blocking {
		go h.runHandler(context.Background(), handler, msg, messageID)
		return &SendResult{MessageID: messageID}, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRouteTimeout
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		h.mailbox.MarkProcessing(messageID)
		result, err := handler(msg)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			h.mailbox.Fail(messageID, out.err.Error())
			h.publishMessageUpdate(ctx, mustGet(h.mailbox, messageID))
			return nil, cerrors.Wrap(out.err, "handler failed")
		}
		h.mailbox.Complete(messageID, out.result)
		h.publishMessageUpdate(ctx, mustGet(h.mailbox, messageID))
		return &SendResult{MessageID: messageID, Result: out.result}, nil
	case <-time.After(timeout):
		h.mailbox.Fail(messageID, "handler timed out")
		h.publishMessageUpdate(ctx, mustGet(h.mailbox, messageID))
		return nil, cerrors.Timeout(fmt.Sprintf("send to %q timed out after %s", resolved, timeout))
	case <-ctx.Done():
		h.mailbox.Fail(messageID, ctx.Err().Error())
		return nil, cerrors.Wrap(ctx.Err(), "send cancelled")
	}
}

// runHandler executes a non-blocking send's handler; panics and errors are
// captured into the mailbox and never rethrown into the original caller.
func (h *Hub) runHandler(ctx context.Context, handler Handler, msg *v1.Message, messageID string) {
	defer func() {
		if r := recover(); r != nil {
			h.mailbox.Fail(messageID, fmt.Sprintf("handler panicked: %v", r))
			h.publishMessageUpdate(ctx, mustGet(h.mailbox, messageID))
		}
	}()
	h.mailbox.MarkProcessing(messageID)
	h.publishMessageUpdate(ctx, mustGet(h.mailbox, messageID))

	result, err := handler(msg)
	if err != nil {
		h.mailbox.Fail(messageID, err.Error())
		h.log.Warn("non-blocking handler failed", zap.String("message_id", messageID), zap.Error(err))
	} else {
		h.mailbox.Complete(messageID, result)
	}
	h.publishMessageUpdate(ctx, mustGet(h.mailbox, messageID))
}

// GetByMessageID looks up a mailbox entry by its own id.
func (h *Hub) GetByMessageID(messageID string) (*v1.MailboxEntry, bool) {
	return h.mailbox.GetByMessageID(messageID)
}

// GetByCallbackID looks up a mailbox entry by the callbackId it was created with.
func (h *Hub) GetByCallbackID(callbackID string) (*v1.MailboxEntry, bool) {
	return h.mailbox.GetByCallbackID(callbackID)
}

// TrackPending registers a mailbox entry for work that is not yet a Send
// call — e.g. a dispatch still queued on admission — so a caller that never
// reaches Send can still fail it visibly instead of leaving no mailbox
// trace at all.
func (h *Hub) TrackPending(messageID, target string) *v1.MailboxEntry {
	return h.mailbox.Create(messageID, target, "")
}

// FailPending marks a TrackPending entry failed, for callers whose queued
// work never reached Send (e.g. a dispatch that timed out waiting for
// admission).
func (h *Hub) FailPending(ctx context.Context, messageID, reason string) {
	h.mailbox.Fail(messageID, reason)
	h.publishMessageUpdate(ctx, mustGet(h.mailbox, messageID))
}

// RegisterInput exposes ModuleRegistry.RegisterInput through the Hub.
func (h *Hub) RegisterInput(id string, handler Handler, defaultRoutes []Route) error {
	return h.registry.RegisterInput(id, handler, defaultRoutes)
}

// RegisterOutput exposes ModuleRegistry.RegisterOutput through the Hub.
func (h *Hub) RegisterOutput(id string, handler Handler) error {
	return h.registry.RegisterOutput(id, handler)
}

// AddRoute exposes ModuleRegistry.AddRoute through the Hub.
func (h *Hub) AddRoute(route Route) { h.registry.AddRoute(route) }

// Subscribe lets a transport collaborator listen for broadcast topics
// (messageUpdate, workflow_update, agent_update, session_paused|resumed).
func (h *Hub) Subscribe(topic string, fn EventHandler) (Subscription, error) {
	return h.bus.Subscribe(topic, fn)
}

// PublishEvent lets other in-process owners (the orchestrator facade's
// workflow_update/agent_update/session_paused|resumed events) reuse the
// Hub's EventBus instead of each holding their own reference to it.
func (h *Hub) PublishEvent(ctx context.Context, topic string, event *Event) error {
	return h.bus.Publish(ctx, topic, event)
}

func (h *Hub) publishMessageUpdate(ctx context.Context, entry *v1.MailboxEntry) {
	if entry == nil {
		return
	}
	event := NewEvent(TopicMessageUpdate, "hub", map[string]interface{}{
		"message_id": entry.ID,
		"target":     entry.Target,
		"status":     string(entry.Status),
	})
	if err := h.bus.Publish(ctx, TopicMessageUpdate, event); err != nil {
		h.log.Warn("failed to publish message update", zap.Error(err))
	}
}

// awaitTerminal polls an already-created mailbox entry until it reaches a
// terminal state or timeout elapses, for a blocking send that replayed
// onto an in-flight or already-resolved callbackId.
func (h *Hub) awaitTerminal(ctx context.Context, messageID string, timeout time.Duration) (*SendResult, error) {
	if timeout <= 0 {
		timeout = DefaultRouteTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		entry, ok := h.mailbox.GetByMessageID(messageID)
		if ok {
			switch entry.Status {
			case v1.MailboxCompleted:
				return &SendResult{MessageID: entry.ID, Result: entry.Result}, nil
			case v1.MailboxFailed:
				return nil, cerrors.Wrap(fmt.Errorf("%s", entry.Error), "handler failed")
			}
		}
		if time.Now().After(deadline) {
			return nil, cerrors.Timeout(fmt.Sprintf("send replay %q timed out after %s", messageID, timeout))
		}
		select {
		case <-ctx.Done():
			return nil, cerrors.Wrap(ctx.Err(), "send cancelled")
		case <-ticker.C:
		}
	}
}

func mustGet(m *Mailbox, id string) *v1.MailboxEntry {
	e, _ := m.GetByMessageID(id)
	return e
}
