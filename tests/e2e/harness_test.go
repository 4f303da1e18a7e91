// Package e2e exercises the business scenarios from spec.md §8 (E1-E6)
// across the dispatcher, position manager, OCO manager, and lock manager
// wired together the way cmd/tradeengine wires them, against the in-memory
// store and simulator exchange fakes used throughout the unit suite.
package e2e

import (
	"context"
	"testing"
	"time"

	"tradeengine/internal/config"
	"tradeengine/internal/core"
	"tradeengine/internal/dispatcher"
	"tradeengine/internal/exchange/simulator"
	"tradeengine/internal/lock"
	"tradeengine/internal/oco"
	"tradeengine/internal/position"
	"tradeengine/internal/riskconfig"
	"tradeengine/internal/store/memstore"

	"github.com/shopspring/decimal"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

type noopAudit struct{}

func (noopAudit) LogSignal(ctx context.Context, signal *core.Signal, status string) {}
func (noopAudit) LogOrder(ctx context.Context, order *core.Order, result *core.ExecutionResult, status string) {
}
func (noopAudit) LogError(ctx context.Context, err error, context map[string]interface{}) {}

type noopOrders struct{}

func (noopOrders) RecordOrder(ctx context.Context, order *core.Order, result *core.ExecutionResult) error {
	return nil
}

func riskDefaults() config.RiskControlConfig {
	return config.RiskControlConfig{
		MaxPositionSizePct:      0.5,
		MaxDailyLossPct:         0.5,
		MaxPortfolioExposurePct: 0.9,
		DefaultStopLossPct:      0.02,
		DefaultTakeProfitPct:    0.04,
		DefaultLeverage:         5,
		DefaultMarginType:       "ISOLATED",
	}
}

func lockConfig() config.LockConfig {
	return config.LockConfig{
		TTLSeconds:               60,
		HeartbeatIntervalSeconds: 10,
		StalenessSeconds:         30,
		CleanupIntervalSeconds:   60,
	}
}

// harness is the set of wired components one "replica" of the process
// owns; multiple harnesses sharing the same store and exchange model
// multiple pods of the same deployment.
type harness struct {
	store    *memstore.Store
	exchange *simulator.Exchange
	lock     *lock.Manager
	risk     *riskconfig.Config
	position *position.Manager
	oco      *oco.Manager
	dispatch *dispatcher.Dispatcher
}

func newHarness(t *testing.T, store *memstore.Store, exch *simulator.Exchange, podID string, riskCfg config.RiskControlConfig) *harness {
	t.Helper()
	logger := &noopLogger{}

	lockMgr := lock.NewManager(store, logger, lockConfig(), "locks", "leaders", podID)
	risk := riskconfig.New(store, "trading_configs", riskCfg, logger)
	posMgr := position.New(store, exch, risk, logger, "positions", "daily_pnl", nil)
	ocoMgr := oco.New(exch, posMgr, store, logger, config.OCOConfig{PollIntervalSeconds: 1}, "oco_pairs")
	dispatch := dispatcher.New(exch, lockMgr, posMgr, risk, ocoMgr, noopAudit{}, noopOrders{}, logger, config.IdempotencyConfig{WindowSeconds: 300}, nil)

	return &harness{store: store, exchange: exch, lock: lockMgr, risk: risk, position: posMgr, oco: ocoMgr, dispatch: dispatch}
}

func bracketSignal(signalID, strategyID, symbol string, action core.SignalAction, qty, price, sl, tp float64, ts time.Time) *core.Signal {
	slDec := decimal.NewFromFloat(sl)
	tpDec := decimal.NewFromFloat(tp)
	return &core.Signal{
		SignalID:     signalID,
		StrategyID:   strategyID,
		Symbol:       symbol,
		Action:       action,
		Quantity:     decimal.NewFromFloat(qty),
		CurrentPrice: decimal.NewFromFloat(price),
		StopLoss:     &slDec,
		TakeProfit:   &tpDec,
		Timestamp:    ts,
	}
}
