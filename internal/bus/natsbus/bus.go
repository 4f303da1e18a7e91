// Package natsbus binds core.MessageBus to NATS, grounded on the original
// Python consumer's connection settings (reconnect wait, ping interval,
// max outstanding pings — original_source/tradeengine/consumer.py).
package natsbus

import (
	"context"
	"fmt"
	"time"

	"tradeengine/internal/config"
	"tradeengine/internal/core"

	"github.com/nats-io/nats.go"
)

// Bus wraps a *nats.Conn as a core.MessageBus.
type Bus struct {
	conn   *nats.Conn
	logger core.ILogger
	subs   []*nats.Subscription
}

// Connect dials NATS with the reconnect/keep-alive posture the original
// consumer used.
func Connect(cfg config.MessageBusConfig, logger core.ILogger) (*Bus, error) {
	logger = logger.WithField("component", "nats_bus")

	opts := []nats.Option{
		nats.Name("tradeengine-consumer"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWaitSeconds) * time.Second),
		nats.PingInterval(time.Duration(cfg.PingIntervalSeconds) * time.Second),
		nats.MaxPingsOutstanding(cfg.MaxPingsOutstanding),
		nats.MaxReconnects(-1), // reconnect indefinitely
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(string(cfg.URL), opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Bus{conn: conn, logger: logger}, nil
}

// Subscribe implements core.MessageBus. There is no queue group: every pod
// receives every signal, and duplicate suppression happens in the
// dispatcher: its per-signal distributed lock keeps pods from executing the
// same signal at once, and its idempotency cache drops repeats within a pod.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler func(core.Message)) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		headers := map[string]string{}
		for k, v := range msg.Header {
			if len(v) > 0 {
				headers[k] = v[0]
			}
		}
		handler(core.Message{
			Subject: msg.Subject,
			Data:    msg.Data,
			Reply:   msg.Reply,
			Headers: headers,
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.subs = append(b.subs, sub)
	b.logger.Info("subscribed", "subject", subject)
	return nil
}

// Publish implements core.MessageBus.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Close unsubscribes everything and drains the connection.
func (b *Bus) Close() error {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	return b.conn.Drain()
}

var _ core.MessageBus = (*Bus)(nil)
