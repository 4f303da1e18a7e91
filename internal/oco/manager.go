// Package oco guarantees that of a paired stop-loss/take-profit bracket,
// exactly one leg executes, grounded on spec §4.2 and on the teacher's
// arbitrage.UniverseManager run-loop shape (ticker + stopChan + mutex-guarded
// state), re-keyed from arbitrage legs to OCO stop/take-profit legs.
package oco

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeengine/internal/config"
	"tradeengine/internal/core"
	"tradeengine/pkg/concurrency"
	apperrors "tradeengine/pkg/errors"
	"tradeengine/pkg/retry"
	"tradeengine/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Manager implements core.OCOManager.
type Manager struct {
	exchange core.Exchange
	position core.PositionCloser
	store    core.DocumentStore
	logger   core.ILogger
	coll     string
	poll     time.Duration

	mu           sync.Mutex
	activePairs  map[string][]*core.OCOPair
	monitoring   bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	pool         *concurrency.WorkerPool
}

// New builds an OCOManager bound to the oco_pairs collection. Each tick
// fans one task per symbol/side key out across pool, since a slow
// GetOpenOrders round-trip for one pair must never delay the next tick's
// check of an unrelated symbol.
func New(exchange core.Exchange, position core.PositionCloser, store core.DocumentStore, logger core.ILogger, cfg config.OCOConfig, collection string) *Manager {
	poll := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Manager{
		exchange:    exchange,
		position:    position,
		store:       store,
		logger:      logger.WithField("component", "oco_manager"),
		coll:        collection,
		poll:        poll,
		activePairs: make(map[string][]*core.OCOPair),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "oco_monitor",
			MaxWorkers: 8,
		}, logger),
	}
}

// PlaceOCOOrders implements core.OCOManager. Both legs are reduce-only and
// opposite-side of the position: LONG ⇒ SL=sell-stop, TP=sell-takeprofit.
func (m *Manager) PlaceOCOOrders(ctx context.Context, positionID, symbol string, side core.PositionSide, quantity float64, slPrice, tpPrice float64, strategyPositionID string, entryPrice float64) (string, string, error) {
	legSide := core.SideSell
	if side == core.PositionShort {
		legSide = core.SideBuy
	}

	qty := decimal.NewFromFloat(quantity)
	slDec := decimal.NewFromFloat(slPrice)
	tpDec := decimal.NewFromFloat(tpPrice)

	slOrder := &core.Order{
		OrderID:      uuid.NewString(),
		PositionID:   positionID,
		Symbol:       symbol,
		Side:         legSide,
		PositionSide: side,
		Type:         core.OrderTypeStop,
		Amount:       qty,
		TargetPrice:  &slDec,
		ReduceOnly:   true,
	}
	tpOrder := &core.Order{
		OrderID:      uuid.NewString(),
		PositionID:   positionID,
		Symbol:       symbol,
		Side:         legSide,
		PositionSide: side,
		Type:         core.OrderTypeTakeProfit,
		Amount:       qty,
		TargetPrice:  &tpDec,
		ReduceOnly:   true,
	}

	slResult, err := m.exchange.Execute(ctx, slOrder)
	if err != nil {
		return "", "", fmt.Errorf("place stop-loss leg: %w", err)
	}
	tpResult, err := m.exchange.Execute(ctx, tpOrder)
	if err != nil {
		// Best-effort: cancel the SL leg we already placed so we don't leave
		// a naked stop order with no matching take-profit.
		_ = m.exchange.CancelOrder(ctx, symbol, slResult.OrderID)
		return "", "", fmt.Errorf("place take-profit leg: %w", err)
	}

	pair := &core.OCOPair{
		PositionID:         positionID,
		StrategyPositionID: strategyPositionID,
		Symbol:             symbol,
		PositionSide:       side,
		Quantity:           qty,
		SLOrderID:          slResult.OrderID,
		TPOrderID:          tpResult.OrderID,
		Status:             core.OCOActive,
		CreatedAt:          time.Now().UTC(),
		EntryPrice:         decimal.NewFromFloat(entryPrice),
	}

	key := core.ExchangePositionKey(symbol, side)
	m.mu.Lock()
	m.activePairs[key] = append(m.activePairs[key], pair)
	m.mu.Unlock()

	if err := m.persist(ctx, pair); err != nil {
		m.logger.Warn("failed to persist oco pair", "symbol", symbol, "error", err)
	}

	m.logger.Info("oco bracket placed", "symbol", symbol, "side", string(side), "sl_order_id", pair.SLOrderID, "tp_order_id", pair.TPOrderID)
	return pair.SLOrderID, pair.TPOrderID, nil
}

func (m *Manager) persist(ctx context.Context, pair *core.OCOPair) error {
	filter := map[string]interface{}{"position_id": pair.PositionID}
	set := map[string]interface{}{
		"position_id":          pair.PositionID,
		"strategy_position_id": pair.StrategyPositionID,
		"symbol":               pair.Symbol,
		"position_side":        string(pair.PositionSide),
		"quantity":             pair.Quantity,
		"sl_order_id":          pair.SLOrderID,
		"tp_order_id":          pair.TPOrderID,
		"status":               string(pair.Status),
		"close_reason":         string(pair.CloseReason),
		"created_at":           pair.CreatedAt,
		"entry_price":          pair.EntryPrice,
	}
	_, err := m.store.Upsert(ctx, m.coll, filter, filter, set)
	return err
}

// CancelOCOPair implements core.OCOManager: the manual close path.
func (m *Manager) CancelOCOPair(ctx context.Context, positionID, symbol string, side core.PositionSide) bool {
	key := core.ExchangePositionKey(symbol, side)

	m.mu.Lock()
	pairs := m.activePairs[key]
	var target *core.OCOPair
	remaining := pairs[:0]
	for _, p := range pairs {
		if p.PositionID == positionID && p.Status == core.OCOActive {
			target = p
			continue
		}
		remaining = append(remaining, p)
	}
	if target != nil {
		m.activePairs[key] = remaining
	}
	m.mu.Unlock()

	if target == nil {
		return false
	}

	cancelLeg := func(orderID string) {
		if orderID == "" {
			return
		}
		if err := m.exchange.CancelOrder(ctx, symbol, orderID); err != nil {
			m.logger.Warn("cancel leg failed during manual oco cancel", "symbol", symbol, "order_id", orderID, "error", err)
		}
	}
	cancelLeg(target.SLOrderID)
	cancelLeg(target.TPOrderID)

	target.Status = core.OCOCancelled
	target.CloseReason = core.CloseReasonManual
	if err := m.persist(ctx, target); err != nil {
		m.logger.Warn("failed to persist manual oco cancel", "symbol", symbol, "error", err)
	}
	return true
}

// CancelOtherOrder implements core.OCOManager: the fills-path cancellation.
func (m *Manager) CancelOtherOrder(ctx context.Context, positionID, filledOrderID, symbol string, side core.PositionSide) (bool, core.CloseReason) {
	key := core.ExchangePositionKey(symbol, side)

	m.mu.Lock()
	var target *core.OCOPair
	for _, p := range m.activePairs[key] {
		if p.PositionID == positionID {
			target = p
			break
		}
	}
	m.mu.Unlock()

	if target == nil {
		return false, core.CloseReasonNone
	}

	var otherOrderID string
	var reason core.CloseReason
	if filledOrderID == target.SLOrderID {
		otherOrderID = target.TPOrderID
		reason = core.CloseReasonStopLoss
	} else if filledOrderID == target.TPOrderID {
		otherOrderID = target.SLOrderID
		reason = core.CloseReasonTakeProfit
	} else {
		return false, core.CloseReasonNone
	}

	if err := m.exchange.CancelOrder(ctx, symbol, otherOrderID); err != nil {
		// "unknown order" on cancel is treated as already-gone success
		// (spec §4.2 failure semantics); any other error is logged but does
		// not block closing the position, since the filled leg is real.
		m.logger.Warn("cancel other leg failed, treating as resolved", "symbol", symbol, "order_id", otherOrderID, "error", err)
	}

	return true, reason
}

// StartMonitoring implements core.OCOManager (spec §4.2 monitoring algorithm).
func (m *Manager) StartMonitoring(ctx context.Context) {
	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.monitorLoop(runCtx)
}

// StopMonitoring implements core.OCOManager.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	if !m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = false
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.pool.Stop()
}

func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.activePairs))
	for k := range m.activePairs {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		key := key
		wg.Add(1)
		if err := m.pool.Submit(func() {
			defer wg.Done()
			m.checkKey(ctx, key)
		}); err != nil {
			wg.Done()
			m.logger.Warn("oco monitor: pool submit failed, checking inline", "key", key, "error", err)
			m.checkKey(ctx, key)
		}
	}
	wg.Wait()
}

func (m *Manager) checkKey(ctx context.Context, key string) {
	m.mu.Lock()
	pairs := append([]*core.OCOPair{}, m.activePairs[key]...)
	m.mu.Unlock()
	if len(pairs) == 0 {
		return
	}
	symbol := pairs[0].Symbol

	tickCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	var openOrders []core.OpenOrder
	err := retry.Do(tickCtx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		orders, err := m.exchange.GetOpenOrders(tickCtx, symbol)
		if err != nil {
			return err
		}
		openOrders = orders
		return nil
	})
	cancel()
	if err != nil {
		m.logger.Warn("oco monitor: open orders query failed, will retry next tick", "symbol", symbol, "error", err)
		return
	}

	openIDs := make(map[string]struct{}, len(openOrders))
	for _, o := range openOrders {
		openIDs[o.OrderID] = struct{}{}
	}

	var stillActive []*core.OCOPair
	for _, pair := range pairs {
		if pair.Status != core.OCOActive {
			continue
		}

		_, slOpen := openIDs[pair.SLOrderID]
		_, tpOpen := openIDs[pair.TPOrderID]

		switch {
		case !slOpen && tpOpen:
			m.handleFill(ctx, pair, pair.SLOrderID, core.CloseReasonStopLoss)
		case slOpen && !tpOpen:
			m.handleFill(ctx, pair, pair.TPOrderID, core.CloseReasonTakeProfit)
		case !slOpen && !tpOpen:
			pair.Status = core.OCOCancelled
			if err := m.persist(ctx, pair); err != nil {
				m.logger.Warn("failed to persist externally-cancelled oco pair", "symbol", symbol, "error", err)
			}
		default:
			stillActive = append(stillActive, pair)
		}
	}

	m.mu.Lock()
	m.activePairs[key] = stillActive
	m.mu.Unlock()
}

func (m *Manager) handleFill(ctx context.Context, pair *core.OCOPair, filledOrderID string, reason core.CloseReason) {
	otherOrderID := pair.TPOrderID
	if filledOrderID == pair.TPOrderID {
		otherOrderID = pair.SLOrderID
	}
	if err := m.exchange.CancelOrder(ctx, pair.Symbol, otherOrderID); err != nil {
		m.logger.Warn("oco monitor: cancel other leg failed, treating as resolved", "symbol", pair.Symbol, "order_id", otherOrderID, "error", err)
	}

	pair.Status = core.OCOCompleted
	pair.CloseReason = reason
	if err := m.persist(ctx, pair); err != nil {
		m.logger.Warn("failed to persist completed oco pair", "symbol", pair.Symbol, "error", err)
	}

	exitPrice, _ := m.exchange.GetSymbolPrice(ctx, pair.Symbol)
	if err := m.position.CloseByOCO(ctx, pair, reason, exitPrice, 0); err != nil {
		m.logger.Error("position close after oco fill failed", "symbol", pair.Symbol, "error", err)
	}

	metrics := telemetry.GetGlobalMetrics()
	if metrics.PositionsClosedTotal != nil {
		metrics.PositionsClosedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", pair.Symbol),
			attribute.String("reason", string(reason)),
		))
	}

	m.logger.Info("oco leg filled, other leg cancelled", "symbol", pair.Symbol, "position_id", pair.PositionID, "reason", string(reason))
}

var _ core.OCOManager = (*Manager)(nil)
