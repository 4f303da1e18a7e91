// Package position implements PositionManager (spec §4.3): the globally
// consistent view of open positions, keyed by (symbol, position_side), plus
// the portfolio-level risk checks the dispatcher consults before executing
// an order. In-memory state is a cache refreshed from the document store
// before every risk check; writes go in-memory-then-store within whatever
// lock the caller (the dispatcher's fingerprint lock) already holds.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeengine/internal/core"
	"tradeengine/internal/risk"
	apperrors "tradeengine/pkg/errors"
	"tradeengine/pkg/retry"

	"github.com/shopspring/decimal"
)

// Manager implements core.PositionManager.
type Manager struct {
	store      core.DocumentStore
	exchange   core.Exchange
	risk       core.RiskConfig
	logger     core.ILogger
	positionsColl string
	dailyPnLColl  string

	breakers *risk.Registry

	mu           sync.Mutex
	positions    map[core.PositionKey]*core.Position
	idIndex      map[string]core.PositionKey // order.PositionID -> key
	dailyDate    string
	dailyPnL     decimal.Decimal

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a PositionManager bound to the positions and daily_pnl
// collections, sharing breakers with the dispatcher so a symbol's circuit
// trips from the same realized-P&L stream the dispatcher consults.
func New(store core.DocumentStore, exchange core.Exchange, riskCfg core.RiskConfig, logger core.ILogger, positionsColl, dailyPnLColl string, breakers *risk.Registry) *Manager {
	return &Manager{
		store:         store,
		exchange:      exchange,
		risk:          riskCfg,
		logger:        logger.WithField("component", "position_manager"),
		positionsColl: positionsColl,
		dailyPnLColl:  dailyPnLColl,
		breakers:      breakers,
		positions:     make(map[core.PositionKey]*core.Position),
		idIndex:       make(map[string]core.PositionKey),
		dailyDate:     utcDate(time.Now()),
	}
}

// recordTrade feeds a realized P&L delta into the symbol's circuit breaker,
// a no-op if no registry was wired in.
func (m *Manager) recordTrade(symbol string, diff decimal.Decimal) {
	if m.breakers != nil {
		m.breakers.For(symbol).RecordTrade(diff)
	}
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// isOpeningSide reports whether order.Side opens (rather than reduces) the
// named position side: LONG opens via buy, SHORT opens via sell.
func isOpeningSide(positionSide core.PositionSide, orderSide core.OrderSide) bool {
	if positionSide == core.PositionLong {
		return orderSide == core.SideBuy
	}
	return orderSide == core.SideSell
}

// Update applies a fill to in-memory state (spec §4.3 Update algorithm).
func (m *Manager) Update(ctx context.Context, order *core.Order, result *core.ExecutionResult) error {
	if order == nil || result == nil {
		return fmt.Errorf("position update: nil order or result")
	}

	key := core.PositionKey{Symbol: order.Symbol, PositionSide: order.PositionSide}
	fillQty := result.Amount
	fillPrice := result.FillPrice

	m.mu.Lock()

	pos, exists := m.positions[key]
	opening := isOpeningSide(key.PositionSide, order.Side)

	if !exists {
		if !opening {
			m.mu.Unlock()
			return fmt.Errorf("position update: reduce on non-existent position %s/%s", key.Symbol, key.PositionSide)
		}
		pos = &core.Position{
			Symbol:       key.Symbol,
			PositionSide: key.PositionSide,
			Status:       core.PositionOpen,
			EntryTime:    time.Now().UTC(),
			EntryOrderID: order.OrderID,
		}
		m.positions[key] = pos
	}
	m.idIndex[order.PositionID] = key
	pos.LastUpdate = time.Now().UTC()
	pos.CommissionTotal = pos.CommissionTotal.Add(result.Commission)

	if opening {
		newQty := pos.Quantity.Add(fillQty)
		if newQty.IsPositive() {
			weighted := pos.AvgPrice.Mul(pos.Quantity).Add(fillPrice.Mul(fillQty))
			pos.AvgPrice = weighted.Div(newQty)
		}
		pos.Quantity = newQty
		pos.TotalCost = pos.TotalCost.Add(fillQty.Mul(fillPrice))
		m.mu.Unlock()
		return nil
	}

	// Reducing.
	closedQty := decimal.Min(fillQty, pos.Quantity)
	diff := fillPrice.Sub(pos.AvgPrice).Mul(closedQty)
	if key.PositionSide == core.PositionShort {
		diff = diff.Neg()
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(diff)
	m.addDailyPnLLocked(diff)
	m.recordTrade(key.Symbol, diff)

	pos.Quantity = pos.Quantity.Sub(closedQty)
	if !pos.Quantity.IsPositive() {
		pos.Status = core.PositionClosed
		delete(m.positions, key)
	}
	m.mu.Unlock()

	m.persistDailyPnL(ctx, diff)
	return nil
}

// addDailyPnLLocked must be called with m.mu held. It only updates the
// in-process running total; persistDailyPnL carries it to the shared
// daily_pnl collection so every replica's CheckDailyLossLimits sees the
// combined figure.
func (m *Manager) addDailyPnLLocked(delta decimal.Decimal) {
	today := utcDate(time.Now())
	if today != m.dailyDate {
		m.dailyDate = today
		m.dailyPnL = decimal.Zero
	}
	m.dailyPnL = m.dailyPnL.Add(delta)
}

// persistDailyPnL folds delta into the shared daily_pnl row for today via a
// read-modify-write upsert (the store has no atomic increment), so every
// realized P&L event is visible to other replicas' CheckDailyLossLimits
// (spec §3 DailyPnL, §6.3).
func (m *Manager) persistDailyPnL(ctx context.Context, delta decimal.Decimal) {
	today := utcDate(time.Now())

	var row core.DailyPnL
	err := m.store.FindOne(ctx, m.dailyPnLColl, map[string]interface{}{"date": today}, &row)
	if err != nil && err != core.ErrNotFound {
		m.logger.Error("daily pnl read before persist failed", "date", today, "error", err)
		return
	}

	filter := map[string]interface{}{"date": today}
	set := map[string]interface{}{"date": today, "value": row.Value.Add(delta)}
	if _, err := m.store.Upsert(ctx, m.dailyPnLColl, filter, filter, set); err != nil {
		m.logger.Error("daily pnl persist failed", "date", today, "error", err)
	}
}

// CreatePositionRecord persists the current snapshot of the position
// touched by order/result to the document store.
func (m *Manager) CreatePositionRecord(ctx context.Context, order *core.Order, result *core.ExecutionResult) error {
	key := core.PositionKey{Symbol: order.Symbol, PositionSide: order.PositionSide}

	m.mu.Lock()
	pos, ok := m.positions[key]
	var snapshot core.Position
	if ok {
		snapshot = pos.Clone()
	}
	m.mu.Unlock()

	if !ok {
		// Fully closed by this fill already; nothing durable to snapshot
		// beyond what ClosePositionRecord/CloseByOCO already persisted.
		return nil
	}

	filter := map[string]interface{}{"symbol": snapshot.Symbol, "position_side": string(snapshot.PositionSide)}
	set := positionToSet(&snapshot)
	_, err := m.store.Upsert(ctx, m.positionsColl, filter, filter, set)
	if err != nil {
		return fmt.Errorf("persist position record: %w", err)
	}
	return nil
}

func positionToSet(p *core.Position) map[string]interface{} {
	return map[string]interface{}{
		"symbol":               p.Symbol,
		"position_side":        string(p.PositionSide),
		"quantity":             p.Quantity,
		"avg_price":            p.AvgPrice,
		"total_cost":           p.TotalCost,
		"realized_pnl":         p.RealizedPnL,
		"unrealized_pnl":       p.UnrealizedPnL,
		"entry_time":           p.EntryTime,
		"last_update":          p.LastUpdate,
		"status":               string(p.Status),
		"entry_order_id":       p.EntryOrderID,
		"stop_loss_order_id":   p.StopLossOrderID,
		"take_profit_order_id": p.TakeProfitOrderID,
		"commission_total":     p.CommissionTotal,
	}
}

// ClosePositionRecord fully closes positionID at exitPrice, recording
// realized P&L and commission, and removes it from the in-memory map.
func (m *Manager) ClosePositionRecord(ctx context.Context, positionID string, exitPrice, commission float64) error {
	m.mu.Lock()
	key, ok := m.idIndex[positionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("close position: unknown position_id %s", positionID)
	}
	pos, ok := m.positions[key]
	if !ok {
		m.mu.Unlock()
		return nil // already closed
	}

	price := decimal.NewFromFloat(exitPrice)
	diff := price.Sub(pos.AvgPrice).Mul(pos.Quantity)
	if key.PositionSide == core.PositionShort {
		diff = diff.Neg()
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(diff)
	pos.CommissionTotal = pos.CommissionTotal.Add(decimal.NewFromFloat(commission))
	m.addDailyPnLLocked(diff)
	m.recordTrade(key.Symbol, diff)

	pos.Quantity = decimal.Zero
	pos.Status = core.PositionClosed
	pos.LastUpdate = time.Now().UTC()
	snapshot := pos.Clone()
	delete(m.positions, key)
	delete(m.idIndex, positionID)
	m.mu.Unlock()

	filter := map[string]interface{}{"symbol": snapshot.Symbol, "position_side": string(snapshot.PositionSide)}
	_, err := m.store.Upsert(ctx, m.positionsColl, filter, filter, positionToSet(&snapshot))
	m.persistDailyPnL(ctx, diff)
	return err
}

// UpdatePositionRiskOrders links bracket order IDs to the position row.
func (m *Manager) UpdatePositionRiskOrders(ctx context.Context, positionID, slOrderID, tpOrderID string) error {
	m.mu.Lock()
	key, ok := m.idIndex[positionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("link risk orders: unknown position_id %s", positionID)
	}
	pos, ok := m.positions[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if slOrderID != "" {
		pos.StopLossOrderID = slOrderID
	}
	if tpOrderID != "" {
		pos.TakeProfitOrderID = tpOrderID
	}
	snapshot := pos.Clone()
	m.mu.Unlock()

	filter := map[string]interface{}{"symbol": snapshot.Symbol, "position_side": string(snapshot.PositionSide)}
	_, err := m.store.Upsert(ctx, m.positionsColl, filter, filter, positionToSet(&snapshot))
	return err
}

// refreshFromStore reloads every open position from the store, replacing
// the in-memory cache. Called before every risk check (spec §4.3).
func (m *Manager) refreshFromStore(ctx context.Context) error {
	var rows []core.Position
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		return m.store.Find(ctx, m.positionsColl, map[string]interface{}{"status": string(core.PositionOpen)}, &rows)
	})
	if err != nil {
		return fmt.Errorf("refresh positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := make(map[core.PositionKey]*core.Position, len(rows))
	for i := range rows {
		row := rows[i]
		fresh[row.Key()] = &row
	}
	m.positions = fresh
	return nil
}

// portfolioValue estimates total portfolio notional from the exchange's
// account snapshot, falling back to summed position notional if the
// exchange call fails.
func (m *Manager) portfolioValue(ctx context.Context) decimal.Decimal {
	if m.exchange != nil {
		if acct, err := m.exchange.GetAccountInfo(ctx); err == nil {
			return acct.TotalWalletBalance
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, p := range m.positions {
		total = total.Add(p.Quantity.Mul(p.AvgPrice))
	}
	return total
}

// CheckPositionLimits implements core.PositionManager (spec §4.3 risk checks).
func (m *Manager) CheckPositionLimits(ctx context.Context, order *core.Order) (bool, string) {
	if m.breakers != nil && m.breakers.For(order.Symbol).IsTripped() {
		return false, "circuit_breaker_open"
	}

	if err := m.refreshFromStore(ctx); err != nil {
		m.logger.Warn("refresh before position limit check failed, using stale cache", "error", err)
	}

	portfolioValue := m.portfolioValue(ctx)
	if portfolioValue.IsZero() {
		return true, ""
	}

	markPrice := order.TargetPrice
	var orderPrice decimal.Decimal
	if markPrice != nil {
		orderPrice = *markPrice
	} else if price, err := m.exchange.GetSymbolPrice(ctx, order.Symbol); err == nil {
		orderPrice = decimal.NewFromFloat(price)
	}
	orderValue := order.Amount.Mul(orderPrice)

	m.mu.Lock()
	existingValue := decimal.Zero
	if p, ok := m.positions[core.PositionKey{Symbol: order.Symbol, PositionSide: order.PositionSide}]; ok {
		existingValue = p.Quantity.Mul(p.AvgPrice)
	}
	totalExposure := decimal.Zero
	for _, p := range m.positions {
		totalExposure = totalExposure.Add(p.Quantity.Mul(p.AvgPrice))
	}
	m.mu.Unlock()

	positionLimit := decimal.NewFromFloat(m.risk.MaxPositionSizePct())
	if !positionLimit.IsZero() {
		ratio := existingValue.Add(orderValue).Div(portfolioValue)
		if ratio.GreaterThan(positionLimit) {
			return false, "max_position_size_pct_exceeded"
		}
	}

	exposureLimit := decimal.NewFromFloat(m.risk.MaxPortfolioExposurePct())
	if !exposureLimit.IsZero() {
		ratio := totalExposure.Add(orderValue).Div(portfolioValue)
		if ratio.GreaterThan(exposureLimit) {
			return false, "max_portfolio_exposure_pct_exceeded"
		}
	}

	if maxAbs := m.risk.MaxPositionSize(order.Symbol); maxAbs > 0 {
		if existingValue.Add(orderValue).GreaterThan(decimal.NewFromFloat(maxAbs)) {
			return false, "max_position_size_exceeded"
		}
	}

	return true, ""
}

// CheckDailyLossLimits implements core.PositionManager. It reads the shared
// daily_pnl total (spec §3/§6.3) rather than this replica's own in-memory
// figure, so the limit trips for the whole pod fleet's combined losses, not
// just the losses this process happened to realize.
func (m *Manager) CheckDailyLossLimits(ctx context.Context) (bool, string) {
	portfolioValue := m.portfolioValue(ctx)
	if portfolioValue.IsZero() {
		return true, ""
	}

	m.mu.Lock()
	today := utcDate(time.Now())
	if today != m.dailyDate {
		m.dailyDate = today
		m.dailyPnL = decimal.Zero
	}
	m.mu.Unlock()

	daily, err := m.GetDailyPnL(ctx)
	if err != nil {
		m.logger.Warn("daily pnl read failed, daily loss check skipped", "error", err)
		return true, ""
	}
	dailyDecimal := decimal.NewFromFloat(daily)

	limit := decimal.NewFromFloat(m.risk.MaxDailyLossPct())
	if limit.IsZero() {
		return true, ""
	}
	floor := portfolioValue.Mul(limit).Neg()
	if dailyDecimal.LessThan(floor) {
		return false, "max_daily_loss_pct_exceeded"
	}
	return true, ""
}

// GetPositions implements core.PositionManager.
func (m *Manager) GetPositions() map[core.PositionKey]*core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[core.PositionKey]*core.Position, len(m.positions))
	for k, v := range m.positions {
		clone := v.Clone()
		out[k] = &clone
	}
	return out
}

// GetDailyPnL implements core.PositionManager. It reads the shared daily_pnl
// row, which every replica keeps current via persistDailyPnL on each
// realized P&L event; the in-memory total is only a fallback for the window
// before this replica's first persisted write today.
func (m *Manager) GetDailyPnL(ctx context.Context) (float64, error) {
	today := utcDate(time.Now())
	var row core.DailyPnL
	err := m.store.FindOne(ctx, m.dailyPnLColl, map[string]interface{}{"date": today}, &row)
	if err != nil {
		if err != core.ErrNotFound {
			return 0, fmt.Errorf("read daily pnl: %w", err)
		}
		m.mu.Lock()
		local := m.dailyPnL
		localDate := m.dailyDate
		m.mu.Unlock()
		if localDate != today {
			return 0, nil
		}
		f, _ := local.Float64()
		return f, nil
	}

	f, _ := row.Value.Float64()
	return f, nil
}

// updateUnrealizedPnL marks every open position to its symbol's current
// exchange price: unrealized_pnl = (mark_price - avg_price) * qty, negated
// for SHORT (spec §3/§4.3). One price fetch per distinct symbol.
func (m *Manager) updateUnrealizedPnL(ctx context.Context) {
	m.mu.Lock()
	symbols := make(map[string]struct{}, len(m.positions))
	for k := range m.positions {
		symbols[k.Symbol] = struct{}{}
	}
	m.mu.Unlock()

	if m.exchange == nil || len(symbols) == 0 {
		return
	}

	marks := make(map[string]decimal.Decimal, len(symbols))
	for symbol := range symbols {
		price, err := m.exchange.GetSymbolPrice(ctx, symbol)
		if err != nil {
			m.logger.Warn("mark price fetch failed, unrealized pnl stale", "symbol", symbol, "error", err)
			continue
		}
		marks[symbol] = decimal.NewFromFloat(price)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, pos := range m.positions {
		mark, ok := marks[key.Symbol]
		if !ok {
			continue
		}
		diff := mark.Sub(pos.AvgPrice).Mul(pos.Quantity)
		if key.PositionSide == core.PositionShort {
			diff = diff.Neg()
		}
		pos.UnrealizedPnL = diff
	}
}

// GetPortfolioSummary implements core.PositionManager.
func (m *Manager) GetPortfolioSummary(ctx context.Context) (core.PortfolioSummary, error) {
	if err := m.refreshFromStore(ctx); err != nil {
		m.logger.Warn("refresh before portfolio summary failed, using stale cache", "error", err)
	}
	m.updateUnrealizedPnL(ctx)

	portfolioValue := m.portfolioValue(ctx)

	m.mu.Lock()
	summary := core.PortfolioSummary{ExposureBySymbolPct: make(map[string]float64)}
	realized := decimal.Zero
	for _, p := range m.positions {
		realized = realized.Add(p.RealizedPnL)
		summary.TotalUnrealizedPnL += valueFloat(p.UnrealizedPnL)
		summary.OpenPositionCount++
		if !portfolioValue.IsZero() {
			exposure := p.Quantity.Mul(p.AvgPrice).Div(portfolioValue)
			f, _ := exposure.Float64()
			summary.ExposureBySymbolPct[p.Symbol] += f
		}
	}
	m.mu.Unlock()

	summary.TotalRealizedPnL = valueFloat(realized)
	tv, _ := portfolioValue.Float64()
	summary.TotalValue = tv
	return summary, nil
}

func valueFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// CloseByOCO implements core.PositionManager: the OCO monitor's fill-path
// close, recording exit price, realized P&L, and commission for the pair's
// position, then removing it once fully flat.
func (m *Manager) CloseByOCO(ctx context.Context, pair *core.OCOPair, filledLeg core.CloseReason, exitPrice, commission float64) error {
	m.mu.Lock()
	key := core.PositionKey{Symbol: pair.Symbol, PositionSide: pair.PositionSide}
	pos, ok := m.positions[key]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("oco close for unknown position", "symbol", pair.Symbol, "side", pair.PositionSide)
		return nil
	}

	price := decimal.NewFromFloat(exitPrice)
	closedQty := decimal.Min(pair.Quantity, pos.Quantity)
	diff := price.Sub(pos.AvgPrice).Mul(closedQty)
	if key.PositionSide == core.PositionShort {
		diff = diff.Neg()
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(diff)
	pos.CommissionTotal = pos.CommissionTotal.Add(decimal.NewFromFloat(commission))
	pos.Quantity = pos.Quantity.Sub(closedQty)
	pos.LastUpdate = time.Now().UTC()
	m.addDailyPnLLocked(diff)
	m.recordTrade(key.Symbol, diff)

	closed := !pos.Quantity.IsPositive()
	if closed {
		pos.Status = core.PositionClosed
		delete(m.positions, key)
		delete(m.idIndex, pair.PositionID)
	}
	snapshot := pos.Clone()
	m.mu.Unlock()

	filter := map[string]interface{}{"symbol": snapshot.Symbol, "position_side": string(snapshot.PositionSide)}
	if _, err := m.store.Upsert(ctx, m.positionsColl, filter, filter, positionToSet(&snapshot)); err != nil {
		return fmt.Errorf("persist oco close: %w", err)
	}
	m.persistDailyPnL(ctx, diff)

	m.logger.Info("position closed by oco", "symbol", pair.Symbol, "side", pair.PositionSide, "reason", string(filledLeg))
	return nil
}

// StartBackgroundSync launches the 30s periodic reconciliation sweep
// mentioned in spec §4.3's consistency model.
func (m *Manager) StartBackgroundSync(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := m.refreshFromStore(runCtx); err != nil {
					m.logger.Error("background position sync failed", "error", err)
				}
				m.updateUnrealizedPnL(runCtx)
			}
		}
	}()
}

// StopBackgroundSync stops the sweep started by StartBackgroundSync.
func (m *Manager) StopBackgroundSync() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

var _ core.PositionManager = (*Manager)(nil)
