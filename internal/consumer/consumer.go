// Package consumer subscribes to the inbound signal subject and hands each
// decoded signal to the Dispatcher, grounded on the original NATS consumer
// (original_source/tradeengine/consumer.py): no queue group — every pod
// sees every signal, and duplicate suppression happens downstream in the
// dispatcher (its per-signal distributed lock across pods, its idempotency
// cache within one pod).
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"tradeengine/internal/config"
	"tradeengine/internal/core"
	"tradeengine/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Consumer subscribes to the signals subject and dispatches each message.
type Consumer struct {
	bus        core.MessageBus
	dispatcher core.Dispatcher
	logger     core.ILogger
	subject    string
	propagator propagation.TextMapPropagator
	tracer     trace.Tracer
}

// New builds a Consumer bound to cfg's configured subject.
func New(bus core.MessageBus, dispatcher core.Dispatcher, logger core.ILogger, cfg config.MessageBusConfig) *Consumer {
	return &Consumer{
		bus:        bus,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "signal_consumer"),
		subject:    cfg.SignalsSubject,
		propagator: propagation.TraceContext{},
		tracer:     telemetry.GetTracer("signal-consumer"),
	}
}

// Run subscribes and blocks until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.bus.Subscribe(ctx, c.subject, c.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.logger.Info("signal consumer subscribed", "subject", c.subject)

	<-ctx.Done()
	c.logger.Info("signal consumer shutting down")
	return nil
}

type headerCarrier map[string]string

func (h headerCarrier) Get(key string) string       { return h[key] }
func (h headerCarrier) Set(key, value string)       { h[key] = value }
func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

func (c *Consumer) handle(msg core.Message) {
	metrics := telemetry.GetGlobalMetrics()

	ctx := context.Background()
	if len(msg.Headers) > 0 {
		ctx = c.propagator.Extract(ctx, headerCarrier(msg.Headers))
	}
	ctx, span := c.tracer.Start(ctx, "signal_consumer.handle",
		trace.WithAttributes(attribute.String("messaging.destination", msg.Subject)))
	defer span.End()

	var signal core.Signal
	if err := json.Unmarshal(msg.Data, &signal); err != nil {
		c.logger.Error("failed to decode signal", "subject", msg.Subject, "error", err)
		span.RecordError(err)
		if metrics.NATSMessagesProcessed != nil {
			metrics.NATSMessagesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		}
		if metrics.NATSErrorsTotal != nil {
			metrics.NATSErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "decode")))
		}
		return
	}

	if signal.Timestamp.IsZero() {
		c.logger.Error("signal missing timestamp, dropping", "subject", msg.Subject, "strategy_id", signal.StrategyID, "symbol", signal.Symbol)
		span.RecordError(fmt.Errorf("signal missing timestamp"))
		if metrics.NATSMessagesProcessed != nil {
			metrics.NATSMessagesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		}
		if metrics.NATSErrorsTotal != nil {
			metrics.NATSErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "missing_timestamp")))
		}
		return
	}

	// TraceContext in the payload itself (legacy header propagation, used
	// when the upstream publisher cannot set NATS message headers) takes
	// precedence over headers already extracted above only if present.
	if signal.TraceContext != "" {
		ctx = c.propagator.Extract(ctx, headerCarrier{"traceparent": signal.TraceContext})
	} else if len(signal.TraceHeadersLegacy) > 0 {
		ctx = c.propagator.Extract(ctx, headerCarrier(signal.TraceHeadersLegacy))
	}

	result := c.dispatcher.Dispatch(ctx, &signal)

	status := "success"
	if result.Status == core.StatusError || result.Status == core.StatusRejected {
		status = "error"
	}
	if metrics.NATSMessagesProcessed != nil {
		metrics.NATSMessagesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}

	c.logger.Info("signal processed",
		"strategy_id", signal.StrategyID,
		"symbol", signal.Symbol,
		"status", string(result.Status),
		"reason", result.Reason,
	)

	if msg.Reply != "" {
		resp, _ := json.Marshal(map[string]interface{}{
			"status":    string(result.Status),
			"signal_id": signal.SignalID,
			"reason":    result.Reason,
		})
		if err := c.bus.Publish(ctx, msg.Reply, resp); err != nil {
			c.logger.Warn("failed to publish reply", "reply_subject", msg.Reply, "error", err)
		}
	}
}
