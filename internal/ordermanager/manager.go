// Package ordermanager tracks orders this process has placed, grounded on
// internal/audit's Upsert-per-event pattern but keyed by order ID rather than
// a fresh ID per call: spec.md's OrderManager is "fire-and-forget durability"
// for orders placed by this process, not an append-only event log, so a
// later status update (fill, cancel) overwrites the same row instead of
// appending a new one.
package ordermanager

import (
	"context"
	"time"

	"tradeengine/internal/core"
)

// Manager persists a durable, queryable record of every order this pod has
// placed. RecordOrder logs a persist failure and returns it; the dispatcher
// logs that error and carries on, so a failed write never blocks order
// execution (spec.md §2).
type Manager struct {
	store  core.DocumentStore
	coll   string
	logger core.ILogger
}

// New builds a Manager bound to collection.
func New(store core.DocumentStore, collection string, logger core.ILogger) *Manager {
	return &Manager{store: store, coll: collection, logger: logger.WithField("component", "order_manager")}
}

// RecordOrder implements dispatcher.OrderRecorder. It upserts one row per
// order ID, so calling it again for the same order (e.g. after a later fill)
// refreshes the existing record rather than duplicating it.
func (m *Manager) RecordOrder(ctx context.Context, order *core.Order, result *core.ExecutionResult) error {
	filter := map[string]interface{}{"order_id": order.OrderID}
	set := map[string]interface{}{
		"order_id":      order.OrderID,
		"position_id":   order.PositionID,
		"symbol":        order.Symbol,
		"side":          string(order.Side),
		"position_side": string(order.PositionSide),
		"order_type":    string(order.Type),
		"amount":        order.Amount,
		"updated_at":    time.Now().UTC(),
	}
	if result != nil {
		set["status"] = string(result.Status)
		set["fill_price"] = result.FillPrice
		set["filled_amount"] = result.Amount
		set["commission"] = result.Commission
	}
	if _, err := m.store.Upsert(ctx, m.coll, filter, filter, set); err != nil {
		m.logger.Error("order record persist failed", "order_id", order.OrderID, "symbol", order.Symbol, "error", err)
		return err
	}
	return nil
}

// GetOrder returns the durable record for orderID, or core.ErrNotFound if no
// order with that ID has been recorded.
func (m *Manager) GetOrder(ctx context.Context, orderID string) (map[string]interface{}, error) {
	var row map[string]interface{}
	if err := m.store.FindOne(ctx, m.coll, map[string]interface{}{"order_id": orderID}, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// ListOrders returns up to limit recorded orders: the last limit rows in the
// store's Find order (insertion order for memstore), with no sort applied, so
// updating an order does not move its row. Backs the admin API's GET /orders
// (spec.md §6.4).
func (m *Manager) ListOrders(ctx context.Context, limit int) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if err := m.store.Find(ctx, m.coll, map[string]interface{}{}, &rows); err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}
