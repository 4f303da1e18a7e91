// Package dispatcher turns accepted signals into at most one executed order
// plus an optional OCO bracket, grounded on original_source/tradeengine/
// dispatcher.py's dispatch/execute_order split, redesigned around the
// distributed lock + idempotency cache this spec adds on top of the
// original's single-process assumption.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"tradeengine/internal/config"
	"tradeengine/internal/core"
	"tradeengine/internal/risk"
	apperrors "tradeengine/pkg/errors"
	"tradeengine/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OCOPlacer is the narrow slice of OCOManager the dispatcher depends on.
type OCOPlacer interface {
	PlaceOCOOrders(ctx context.Context, positionID, symbol string, side core.PositionSide, quantity float64, slPrice, tpPrice float64, strategyPositionID string, entryPrice float64) (string, string, error)
}

// AuditLogger is the narrow logging sink the dispatcher writes signal/order/
// error events to (spec §6, supplemented from original_source/shared/audit.py).
type AuditLogger interface {
	LogSignal(ctx context.Context, signal *core.Signal, status string)
	LogOrder(ctx context.Context, order *core.Order, result *core.ExecutionResult, status string)
	LogError(ctx context.Context, err error, context map[string]interface{})
}

// OrderRecorder is the narrow slice of OrderManager the dispatcher depends
// on: the durable, fire-and-forget record of orders this process has placed
// (spec.md §2 OrderManager), distinct from AuditLogger's append-only event
// trail.
type OrderRecorder interface {
	RecordOrder(ctx context.Context, order *core.Order, result *core.ExecutionResult) error
}

type idempotencyEntry struct {
	firstSeen time.Time
}

// Dispatcher implements core.Dispatcher.
type Dispatcher struct {
	exchange core.Exchange
	lock     core.DistributedLockManager
	position core.PositionManager
	risk     core.RiskConfig
	oco      OCOPlacer
	audit    AuditLogger
	orders   OrderRecorder
	logger   core.ILogger
	tracer   trace.Tracer

	window time.Duration

	breakers *risk.Registry

	mu       sync.Mutex
	cache    map[string]idempotencyEntry
	inFlight map[string]struct{}
}

// New builds a Dispatcher wiring the exchange, lock manager, position
// manager, risk config, and OCO placer together. breakers is shared with
// position.Manager so a symbol's circuit trips from the same realized-P&L
// stream both components observe. orders may be nil, in which case orders
// are executed without a durable per-process record.
func New(exchange core.Exchange, lock core.DistributedLockManager, position core.PositionManager, riskCfg core.RiskConfig, oco OCOPlacer, audit AuditLogger, orders OrderRecorder, logger core.ILogger, idemCfg config.IdempotencyConfig, breakers *risk.Registry) *Dispatcher {
	window := time.Duration(idemCfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Dispatcher{
		exchange: exchange,
		lock:     lock,
		position: position,
		risk:     riskCfg,
		oco:      oco,
		audit:    audit,
		orders:   orders,
		logger:   logger.WithField("component", "dispatcher"),
		tracer:   telemetry.GetTracer("dispatcher"),
		window:   window,
		breakers: breakers,
		cache:    make(map[string]idempotencyEntry),
		inFlight: make(map[string]struct{}),
	}
}

// fingerprint derives the dedup key for a signal (spec §4.1 step 2).
func fingerprint(signal *core.Signal) string {
	if signal.SignalID != "" {
		return signal.SignalID
	}
	bucket := signal.Timestamp.Unix()
	raw := fmt.Sprintf("%s|%s|%s|%d", signal.StrategyID, signal.Symbol, signal.Action, bucket)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (d *Dispatcher) record(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[fp] = idempotencyEntry{firstSeen: time.Now()}
}

// claim atomically checks the dedup cache and the in-flight set and, if fp
// is neither already seen nor already being processed by another goroutine
// in this process, marks it in-flight and returns true. This is what makes
// Testable Property 1 (exactly one of two concurrent Dispatch calls for the
// same signal executes) hold: the distributed lock in ExecuteWithLock only
// excludes other pods, since a single pod's own pod_id always satisfies its
// own lock's eligibility check, so in-process exclusion has to be enforced
// here instead.
func (d *Dispatcher) claim(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, v := range d.cache {
		if now.Sub(v.firstSeen) > d.window {
			delete(d.cache, k)
		}
	}
	if _, ok := d.cache[fp]; ok {
		return false
	}
	if _, ok := d.inFlight[fp]; ok {
		return false
	}
	d.inFlight[fp] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, fp)
}

// Dispatch implements core.Dispatcher (spec §4.1).
func (d *Dispatcher) Dispatch(ctx context.Context, signal *core.Signal) core.DispatchResult {
	start := time.Now()
	metrics := telemetry.GetGlobalMetrics()
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch")
	defer span.End()

	if d.audit != nil {
		d.audit.LogSignal(ctx, signal, "received")
	}

	if signal.Action == core.ActionHold {
		d.logger.Info("hold signal received, no action taken", "strategy_id", signal.StrategyID, "symbol", signal.Symbol)
		if d.audit != nil {
			d.audit.LogSignal(ctx, signal, "hold_skipped")
		}
		return core.DispatchResult{Status: core.StatusHold, Reason: "no action required"}
	}

	fp := fingerprint(signal)
	if !d.claim(fp) {
		return core.DispatchResult{Status: core.StatusSkippedDuplicate, Err: apperrors.ErrDuplicateSignal, Reason: apperrors.ErrDuplicateSignal.Error()}
	}
	defer d.unclaim(fp)

	var result core.DispatchResult
	lockName := "signal_" + fp
	err := d.lock.ExecuteWithLock(ctx, lockName, func(ctx context.Context) error {
		order, err := d.signalToOrder(ctx, signal)
		if err != nil {
			result = core.DispatchResult{Status: core.StatusError, Err: err, Reason: err.Error()}
			return nil
		}

		if d.breakers != nil && d.breakers.For(order.Symbol).IsTripped() {
			d.observeRejection(ctx, "circuit_breaker_open", order.Symbol)
			result = core.DispatchResult{Status: core.StatusRejected, Reason: "circuit_breaker_open"}
			return nil
		}

		if ok, reason := d.position.CheckPositionLimits(ctx, order); !ok {
			d.observeRejection(ctx, reason, order.Symbol)
			result = core.DispatchResult{Status: core.StatusRejected, Reason: reason}
			return nil
		}
		if ok, reason := d.position.CheckDailyLossLimits(ctx); !ok {
			d.observeRejection(ctx, reason, order.Symbol)
			result = core.DispatchResult{Status: core.StatusRejected, Reason: reason}
			return nil
		}

		execResult, err := d.ExecuteOrder(ctx, order)
		if err != nil {
			d.logger.Error("order execution failed", "symbol", order.Symbol, "error", err)
			if metrics.ErrorsTotal != nil {
				metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))
			}
			if d.audit != nil {
				d.audit.LogError(ctx, err, map[string]interface{}{"symbol": order.Symbol})
			}
			result = core.DispatchResult{Status: core.StatusError, Err: err, Reason: err.Error()}
			return nil
		}

		if order.StopLoss != nil && order.TakeProfit != nil && d.oco != nil {
			slPrice, _ := order.StopLoss.Float64()
			tpPrice, _ := order.TakeProfit.Float64()
			qty, _ := execResult.Amount.Float64()
			entryPrice, _ := execResult.FillPrice.Float64()
			if _, _, ocoErr := d.oco.PlaceOCOOrders(ctx, order.PositionID, order.Symbol, order.PositionSide, qty, slPrice, tpPrice, signal.StrategyID, entryPrice); ocoErr != nil {
				d.logger.Error("oco placement failed after fill, position remains open for manual management",
					"symbol", order.Symbol, "position_id", order.PositionID, "error", ocoErr)
				if metrics.ErrorsTotal != nil {
					metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "oco_placement")))
				}
			}
		}

		d.record(fp)
		result = core.DispatchResult{Status: core.StatusExecuted, ExecutionResult: execResult}
		return nil
	})

	if err != nil {
		return core.DispatchResult{Status: core.StatusSkippedDuplicate, Err: apperrors.ErrLockNotAcquired, Reason: "pod_contention"}
	}

	if metrics.LatencySeconds != nil {
		metrics.LatencySeconds.Record(ctx, time.Since(start).Seconds())
	}
	return result
}

func (d *Dispatcher) observeRejection(ctx context.Context, reason, symbol string) {
	metrics := telemetry.GetGlobalMetrics()
	if metrics.RiskRejectionsTotal != nil {
		metrics.RiskRejectionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.String("symbol", symbol),
		))
	}
}

// ExecuteOrder implements core.Dispatcher: the lower-level path also used by
// the admin API and internal bracket placement.
func (d *Dispatcher) ExecuteOrder(ctx context.Context, order *core.Order) (*core.ExecutionResult, error) {
	metrics := telemetry.GetGlobalMetrics()
	start := time.Now()

	result, err := d.exchange.Execute(ctx, order)
	if err != nil {
		if metrics.TradesTotal != nil {
			metrics.TradesTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("status", "error"),
				attribute.String("type", string(order.Type)),
			))
		}
		return nil, fmt.Errorf("execute order: %w", err)
	}

	if err := d.position.Update(ctx, order, result); err != nil {
		d.logger.Error("position update failed after fill", "symbol", order.Symbol, "error", err)
	}
	if err := d.position.CreatePositionRecord(ctx, order, result); err != nil {
		d.logger.Error("position record persist failed after fill", "symbol", order.Symbol, "error", err)
	}

	if metrics.TradesTotal != nil {
		metrics.TradesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(result.Status)),
			attribute.String("type", string(order.Type)),
		))
	}
	if metrics.LatencySeconds != nil {
		metrics.LatencySeconds.Record(ctx, time.Since(start).Seconds())
	}
	if d.audit != nil {
		d.audit.LogOrder(ctx, order, result, string(result.Status))
	}
	if d.orders != nil {
		if err := d.orders.RecordOrder(ctx, order, result); err != nil {
			d.logger.Error("order record persist failed after fill", "symbol", order.Symbol, "error", err)
		}
	}

	return result, nil
}

// signalToOrder converts a signal to an order (spec §4.1.1).
func (d *Dispatcher) signalToOrder(ctx context.Context, signal *core.Signal) (*core.Order, error) {
	if signal.Symbol == "" || signal.StrategyID == "" {
		return nil, fmt.Errorf("signal to order: %w", apperrors.ErrInvalidSignal)
	}

	side := core.SideBuy
	positionSide := core.PositionLong
	if signal.Action == core.ActionSell {
		side = core.SideSell
		positionSide = core.PositionShort
	}

	orderType := signal.OrderType
	if orderType == "" {
		orderType = d.risk.DefaultOrderType(signal.Symbol)
	}
	tif := signal.TimeInForce
	if tif == "" {
		tif = d.risk.DefaultTimeInForce(signal.Symbol)
	}

	currentPrice := signal.CurrentPrice
	if currentPrice.IsZero() {
		if price, err := d.exchange.GetSymbolPrice(ctx, signal.Symbol); err == nil {
			currentPrice = decimal.NewFromFloat(price)
		}
	}

	amount := signal.Quantity
	if !signal.HasQuantity() {
		info, err := d.exchange.GetSymbolInfo(ctx, signal.Symbol)
		if err != nil {
			return nil, fmt.Errorf("signal to order: fetch symbol info for %s: %w", signal.Symbol, err)
		}
		price, _ := currentPrice.Float64()
		amount = d.risk.MinOrderAmount(signal.Symbol, price, info)
	}

	stopLoss := signal.StopLoss
	if stopLoss == nil {
		stopLoss = defaultStopLoss(side, currentPrice, d.risk.StopLossPct(signal.Symbol))
	}
	takeProfit := signal.TakeProfit
	if takeProfit == nil {
		takeProfit = defaultTakeProfit(side, currentPrice, d.risk.TakeProfitPct(signal.Symbol))
	}

	order := &core.Order{
		OrderID:      uuid.NewString(),
		PositionID:   uuid.NewString(),
		Symbol:       signal.Symbol,
		Side:         side,
		PositionSide: positionSide,
		Type:         orderType,
		Amount:       amount,
		TargetPrice:  &currentPrice,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		TimeInForce:  tif,
		ReduceOnly:   false,
		StrategyMetadata: map[string]string{
			"strategy_id": signal.StrategyID,
			"timeframe":   signal.Timeframe,
		},
	}

	d.logger.Info("converted signal to order",
		"order_type", string(orderType), "side", string(side), "symbol", signal.Symbol,
		"amount", amount.String(), "target_price", currentPrice.String())

	return order, nil
}

func defaultStopLoss(side core.OrderSide, price decimal.Decimal, pct float64) *decimal.Decimal {
	factor := decimal.NewFromFloat(1 - pct)
	if side == core.SideSell {
		factor = decimal.NewFromFloat(1 + pct)
	}
	sl := price.Mul(factor)
	return &sl
}

func defaultTakeProfit(side core.OrderSide, price decimal.Decimal, pct float64) *decimal.Decimal {
	factor := decimal.NewFromFloat(1 + pct)
	if side == core.SideSell {
		factor = decimal.NewFromFloat(1 - pct)
	}
	tp := price.Mul(factor)
	return &tp
}

var _ core.Dispatcher = (*Dispatcher)(nil)
