// Package hub implements the Message Hub: module registration, routing,
// mailbox tracking, and the broadcast event bus that downstream
// collaborators (UI, CLI) subscribe to.
package hub

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event topics the Hub publishes on its broadcast bus.
const (
	TopicMessageUpdate    = "conductor.message_update"
	TopicWorkflowUpdate   = "conductor.workflow_update"
	TopicAgentUpdate      = "conductor.agent_update"
	TopicSessionPaused    = "conductor.session_paused"
	TopicSessionResumed   = "conductor.session_resumed"
)

// Event is one message on the broadcast bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh Event with an id and timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered Event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration against a topic.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus decouples the Hub's broadcast fan-out from its transport.
// MemoryEventBus serves single-process deployments and tests; NATSEventBus
// lets an external collaborator fan the same events out across processes.
type EventBus interface {
	Publish(ctx context.Context, topic string, event *Event) error
	Subscribe(topic string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
