package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskforge/conductor/internal/common/config"
	"github.com/taskforge/conductor/internal/common/logger"
)

// NATSEventBus fans events out across processes via a NATS connection,
// for deployments where a transport collaborator runs out-of-process.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	cfg    config.NATSConfig
}

// NewNATSEventBus dials NATS with reconnection handling wired to the logger.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats error", zap.Error(err), zap.String("topic", subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))
	return &NATSEventBus{conn: conn, logger: log, cfg: cfg}, nil
}

// Publish marshals event to JSON and publishes it on topic.
func (b *NATSEventBus) Publish(ctx context.Context, topic string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSub) IsValid() bool      { return s.sub.IsValid() }

// Subscribe registers handler against a NATS subject (may use "*"/">" wildcards).
func (b *NATSEventBus) Subscribe(topic string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal nats message", zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler error", zap.String("topic", topic), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return &natsSub{sub: sub}, nil
}

// Close drains and closes the underlying NATS connection.
func (b *NATSEventBus) Close() {
	if b.conn != nil {
		b.conn.Drain()
	}
}

// IsConnected reports the underlying connection's status.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
