package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradeengine/internal/config"
	"tradeengine/internal/core"
	"tradeengine/internal/exchange/simulator"
	"tradeengine/internal/lock"
	"tradeengine/internal/position"
	"tradeengine/internal/riskconfig"
	"tradeengine/internal/store/memstore"
	apperrors "tradeengine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

type stubOCO struct {
	called bool
	err    error
}

func (s *stubOCO) PlaceOCOOrders(ctx context.Context, positionID, symbol string, side core.PositionSide, quantity float64, slPrice, tpPrice float64, strategyPositionID string, entryPrice float64) (string, string, error) {
	s.called = true
	if s.err != nil {
		return "", "", s.err
	}
	return "sl-1", "tp-1", nil
}

type stubAudit struct{}

func (s *stubAudit) LogSignal(ctx context.Context, signal *core.Signal, status string)                  {}
func (s *stubAudit) LogOrder(ctx context.Context, order *core.Order, result *core.ExecutionResult, status string) {
}
func (s *stubAudit) LogError(ctx context.Context, err error, context map[string]interface{}) {}

type stubOrders struct {
	mu     sync.Mutex
	orders []*core.Order
}

func (s *stubOrders) RecordOrder(ctx context.Context, order *core.Order, result *core.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, order)
	return nil
}

func (s *stubOrders) recordedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
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

func newHarness(t *testing.T) (*Dispatcher, *simulator.Exchange, *stubOCO) {
	t.Helper()
	d, exch, oco, _ := newHarnessWithOrders(t)
	return d, exch, oco
}

func newHarnessWithOrders(t *testing.T) (*Dispatcher, *simulator.Exchange, *stubOCO, *stubOrders) {
	t.Helper()
	d, exch, oco, orders, _ := newHarnessWithStore(t)
	return d, exch, oco, orders
}

func newHarnessWithStore(t *testing.T) (*Dispatcher, *simulator.Exchange, *stubOCO, *stubOrders, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	logger := &noopLogger{}

	exch := simulator.New(1_000_000, false)
	exch.SetPrice("BTCUSDT", 50000)

	lockMgr := lock.NewManager(store, logger, config.LockConfig{
		TTLSeconds:               60,
		HeartbeatIntervalSeconds: 10,
		StalenessSeconds:         30,
		CleanupIntervalSeconds:   60,
	}, "locks", "leaders", "pod-1")

	riskCfg := riskconfig.New(store, "trading_configs", riskDefaults(), logger)
	posMgr := position.New(store, exch, riskCfg, logger, "positions", "daily_pnl", nil)
	oco := &stubOCO{}
	orders := &stubOrders{}

	d := New(exch, lockMgr, posMgr, riskCfg, oco, &stubAudit{}, orders, logger, config.IdempotencyConfig{WindowSeconds: 300}, nil)
	return d, exch, oco, orders, store
}

func newBuySignal() *core.Signal {
	return &core.Signal{
		StrategyID:   "trend_follow",
		Symbol:       "BTCUSDT",
		Action:       core.ActionBuy,
		Quantity:     decimal.NewFromFloat(0.1),
		CurrentPrice: decimal.NewFromFloat(50000),
		Timestamp:    time.Unix(1700000000, 0),
		SignalID:     "sig-1",
	}
}

func TestDispatch_HoldSignalTakesNoAction(t *testing.T) {
	d, _, oco := newHarness(t)
	signal := newBuySignal()
	signal.Action = core.ActionHold

	result := d.Dispatch(context.Background(), signal)
	assert.Equal(t, core.StatusHold, result.Status)
	assert.False(t, oco.called)
}

func TestDispatch_ExecutesAndPlacesOCO(t *testing.T) {
	d, _, oco := newHarness(t)
	signal := newBuySignal()

	result := d.Dispatch(context.Background(), signal)
	require.NoError(t, result.Err)
	assert.Equal(t, core.StatusExecuted, result.Status)
	require.NotNil(t, result.ExecutionResult)
	assert.Equal(t, core.ExecFilled, result.ExecutionResult.Status)
	assert.True(t, oco.called)
}

func TestDispatch_DuplicateSignalSkipped(t *testing.T) {
	d, _, _ := newHarness(t)
	signal := newBuySignal()

	first := d.Dispatch(context.Background(), signal)
	require.Equal(t, core.StatusExecuted, first.Status)

	second := d.Dispatch(context.Background(), signal)
	assert.Equal(t, core.StatusSkippedDuplicate, second.Status)
	assert.ErrorIs(t, second.Err, apperrors.ErrDuplicateSignal)
}

func TestDispatch_InvalidSignalReturnsError(t *testing.T) {
	d, _, _ := newHarness(t)
	signal := newBuySignal()
	signal.Symbol = ""
	signal.SignalID = "sig-invalid"

	result := d.Dispatch(context.Background(), signal)
	assert.Equal(t, core.StatusError, result.Status)
	assert.ErrorIs(t, result.Err, apperrors.ErrInvalidSignal)
}

func TestDispatch_LockContendedReturnsSkipped(t *testing.T) {
	d, _, _, _, store := newHarnessWithStore(t)
	signal := newBuySignal()

	// The lock is held by a different pod: the dispatcher's own pod-1
	// manager would simply re-acquire a lease it already holds.
	otherPod := lock.NewManager(store, &noopLogger{}, config.LockConfig{TTLSeconds: 60}, "locks", "leaders", "pod-2")
	held, err := otherPod.AcquireLock(context.Background(), "signal_"+signal.SignalID, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	result := d.Dispatch(context.Background(), signal)
	assert.Equal(t, core.StatusSkippedDuplicate, result.Status)
	assert.ErrorIs(t, result.Err, apperrors.ErrLockNotAcquired)
}

func TestExecuteOrder_RecordsOrderThroughOrderRecorder(t *testing.T) {
	d, _, _, orders := newHarnessWithOrders(t)
	order := &core.Order{
		OrderID:      "o1",
		PositionID:   "p1",
		Symbol:       "BTCUSDT",
		Side:         core.SideBuy,
		PositionSide: core.PositionLong,
		Type:         core.OrderTypeMarket,
		Amount:       decimal.NewFromFloat(0.1),
	}

	_, err := d.ExecuteOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, 1, orders.recordedCount())
}

// TestDispatch_ConcurrentDuplicatesExecuteExactlyOnce exercises Testable
// Property 1: of any two concurrent Dispatch calls carrying the same
// fingerprint, exactly one proceeds to execution and the other is skipped
// as a duplicate.
func TestDispatch_ConcurrentDuplicatesExecuteExactlyOnce(t *testing.T) {
	d, _, _ := newHarness(t)
	signal := newBuySignal()

	const attempts = 20
	results := make([]core.DispatchResult, attempts)
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = d.Dispatch(context.Background(), signal)
		}()
	}
	wg.Wait()

	executed := 0
	duplicates := 0
	for _, r := range results {
		switch r.Status {
		case core.StatusExecuted:
			executed++
		case core.StatusSkippedDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected status %q", r.Status)
		}
	}
	assert.Equal(t, 1, executed, "exactly one concurrent dispatch of the same signal should execute")
	assert.Equal(t, attempts-1, duplicates)
}

// TestDispatch_DistinctSignalsProceedInParallel exercises Testable Property
// 3: dispatches of two distinct signals do not serialize behind one
// another's fingerprint claim.
func TestDispatch_DistinctSignalsProceedInParallel(t *testing.T) {
	d, exch, _ := newHarness(t)
	exch.SetPrice("ETHUSDT", 3000)

	btc := newBuySignal()
	eth := newBuySignal()
	eth.Symbol = "ETHUSDT"
	eth.SignalID = "sig-2"
	eth.CurrentPrice = decimal.NewFromFloat(3000)

	var wg sync.WaitGroup
	results := make([]core.DispatchResult, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = d.Dispatch(context.Background(), btc) }()
	go func() { defer wg.Done(); results[1] = d.Dispatch(context.Background(), eth) }()
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, core.StatusExecuted, r.Status)
	}
}

func TestExecuteOrder_UpdatesPositionOnFill(t *testing.T) {
	d, _, _ := newHarness(t)
	order := &core.Order{
		OrderID:      "o1",
		PositionID:   "p1",
		Symbol:       "BTCUSDT",
		Side:         core.SideBuy,
		PositionSide: core.PositionLong,
		Type:         core.OrderTypeMarket,
		Amount:       decimal.NewFromFloat(0.1),
	}

	result, err := d.ExecuteOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, core.ExecFilled, result.Status)

	positions := d.position.GetPositions()
	key := core.PositionKey{Symbol: "BTCUSDT", PositionSide: core.PositionLong}
	pos, ok := positions[key]
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.1)))
}
