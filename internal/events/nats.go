package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// NATSBus mirrors the monitor stream onto a NATS broker so observers can
// run outside the process.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to the broker with reconnection enabled.
func NewNATSBus(url string, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name("agentmesh-monitor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, apperrors.Transport("connect to nats", err)
	}
	log.Info("connected to nats", zap.String("url", url))
	return &NATSBus{conn: conn, logger: log}, nil
}

// Publish sends the event as JSON on the subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return apperrors.Transport("marshal event", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return apperrors.Transport("publish event", err)
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.WithError(err).Error("unmarshal event", zap.String("subject", msg.Subject))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.WithError(err).Error("event handler failed", zap.String("subject", msg.Subject))
		}
	})
	if err != nil {
		return nil, apperrors.Transport("subscribe to "+subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains pending messages before closing the connection.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.WithError(err).Warn("drain nats connection")
		b.conn.Close()
	}
}

// IsConnected reports broker connectivity.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
