package hub

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/taskforge/conductor/internal/common/logger"
)

// MemoryEventBus fans events out to in-process subscribers over goroutines.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySub
	logger        *logger.Logger
	closed        bool
}

type memorySub struct {
	bus     *MemoryEventBus
	topic   string
	pattern *regexp.Regexp
	handler EventHandler
	mu      sync.Mutex
	active  bool
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus constructs an in-process EventBus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySub),
		logger:        log,
	}
}

func compileTopicPattern(topic string) *regexp.Regexp {
	if !strings.Contains(topic, "*") {
		return nil
	}
	escaped := regexp.QuoteMeta(topic)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	return regexp.MustCompile("^" + escaped + "$")
}

func (b *MemoryEventBus) matches(topic, subTopic string, pattern *regexp.Regexp) bool {
	if pattern != nil {
		return pattern.MatchString(topic)
	}
	return topic == subTopic
}

// Publish delivers event to every subscription whose topic matches.
func (b *MemoryEventBus) Publish(ctx context.Context, topic string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for subTopic, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active || !b.matches(topic, subTopic, sub.pattern) {
				continue
			}
			go func(s *memorySub, e *Event) {
				if err := s.handler(ctx, e); err != nil {
					b.logger.Error("event handler error",
						zap.String("topic", topic), zap.Error(err))
				}
			}(sub, event)
		}
	}

	b.logger.Debug("published event",
		zap.String("topic", topic), zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers handler for topic, which may contain a trailing "*".
func (b *MemoryEventBus) Subscribe(topic string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &memorySub{bus: b, topic: topic, pattern: compileTopicPattern(topic), handler: handler, active: true}
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)
	return sub, nil
}

// Close marks the bus closed; further Publish/Subscribe calls fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = make(map[string][]*memorySub)
}

// IsConnected reports true for the in-process bus until Close is called.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
