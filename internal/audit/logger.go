// Package audit is the centralized record of trading events — signals,
// orders, positions, errors — grounded on original_source/shared/audit.py's
// AuditLogger, adapted from Motor's fire-and-forget insert_one to
// core.DocumentStore's Upsert with a fresh filter per event so the audit
// trail never collides two events into one row.
package audit

import (
	"context"
	"time"

	"tradeengine/internal/core"

	"github.com/google/uuid"
)

// Logger writes append-only audit events to a single collection, tagged by
// event type.
type Logger struct {
	store  core.DocumentStore
	coll   string
	logger core.ILogger
}

// New builds a Logger bound to the audit_logs collection.
func New(store core.DocumentStore, collection string, logger core.ILogger) *Logger {
	return &Logger{store: store, coll: collection, logger: logger.WithField("component", "audit_logger")}
}

func (l *Logger) write(ctx context.Context, eventType string, fields map[string]interface{}) {
	fields["type"] = eventType
	fields["timestamp"] = time.Now().UTC()
	id := uuid.NewString()

	filter := map[string]interface{}{"_audit_id": id}
	fields["_audit_id"] = id
	if _, err := l.store.Upsert(ctx, l.coll, filter, filter, fields); err != nil {
		l.logger.Error("audit write failed", "event_type", eventType, "error", err)
	}
}

// LogSignal implements dispatcher.AuditLogger.
func (l *Logger) LogSignal(ctx context.Context, signal *core.Signal, status string) {
	l.write(ctx, "signal", map[string]interface{}{
		"status":      status,
		"strategy_id": signal.StrategyID,
		"symbol":      signal.Symbol,
		"action":      string(signal.Action),
		"signal_id":   signal.SignalID,
	})
}

// LogOrder implements dispatcher.AuditLogger.
func (l *Logger) LogOrder(ctx context.Context, order *core.Order, result *core.ExecutionResult, status string) {
	fields := map[string]interface{}{
		"status":      status,
		"order_id":    order.OrderID,
		"position_id": order.PositionID,
		"symbol":      order.Symbol,
		"side":        string(order.Side),
		"order_type":  string(order.Type),
		"amount":      order.Amount,
	}
	if result != nil {
		fields["fill_price"] = result.FillPrice
		fields["exec_status"] = string(result.Status)
	}
	l.write(ctx, "order", fields)
}

// LogPosition records a position lifecycle event (open/update/close),
// supplementing the original's log_position.
func (l *Logger) LogPosition(ctx context.Context, position *core.Position, status string) {
	l.write(ctx, "position", map[string]interface{}{
		"status":        status,
		"symbol":        position.Symbol,
		"position_side": string(position.PositionSide),
		"quantity":      position.Quantity,
		"realized_pnl":  position.RealizedPnL,
	})
}

// LogError implements dispatcher.AuditLogger.
func (l *Logger) LogError(ctx context.Context, err error, errContext map[string]interface{}) {
	fields := map[string]interface{}{"error": err.Error()}
	for k, v := range errContext {
		fields[k] = v
	}
	l.write(ctx, "error", fields)
}

// ListEvents returns up to limit audit rows, the last limit rows in the
// store's Find order, backing the admin API's GET /api/v1/audit
// (SPEC_FULL.md §6). There is no offset, so older rows cannot be paged to.
func (l *Logger) ListEvents(ctx context.Context, limit int) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if err := l.store.Find(ctx, l.coll, map[string]interface{}{}, &rows); err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}
