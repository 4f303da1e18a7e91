package position

import (
	"context"
	"testing"
	"time"

	"tradeengine/internal/core"
	"tradeengine/internal/exchange/simulator"
	"tradeengine/internal/risk"
	"tradeengine/internal/store/memstore"

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

type fakeRisk struct {
	maxPositionSizePct     float64
	maxDailyLossPct        float64
	maxPortfolioExposurePct float64
	maxPositionSize        float64
}

func (f *fakeRisk) Leverage(symbol string, side core.PositionSide) int       { return 5 }
func (f *fakeRisk) MarginType(symbol string) string                          { return "ISOLATED" }
func (f *fakeRisk) DefaultOrderType(symbol string) core.OrderType            { return core.OrderTypeMarket }
func (f *fakeRisk) DefaultTimeInForce(symbol string) core.TimeInForce        { return core.TimeInForceGTC }
func (f *fakeRisk) PositionSizePct(symbol string) float64                    { return 0.1 }
func (f *fakeRisk) StopLossPct(symbol string) float64                        { return 0.02 }
func (f *fakeRisk) TakeProfitPct(symbol string) float64                      { return 0.04 }
func (f *fakeRisk) MaxPositionSize(symbol string) float64                    { return f.maxPositionSize }
func (f *fakeRisk) MaxPositionSizePct() float64                              { return f.maxPositionSizePct }
func (f *fakeRisk) MaxDailyLossPct() float64                                 { return f.maxDailyLossPct }
func (f *fakeRisk) MaxPortfolioExposurePct() float64                         { return f.maxPortfolioExposurePct }
func (f *fakeRisk) MaxAccumulations(symbol string) int                       { return 0 }
func (f *fakeRisk) AccumulationCooldown(symbol string) time.Duration         { return 0 }
func (f *fakeRisk) MinOrderAmount(symbol string, currentPrice float64, info *core.SymbolInfo) decimal.Decimal {
	return decimal.Zero
}

func newManager(t *testing.T, riskCfg core.RiskConfig, breakers *risk.Registry) (*Manager, *memstore.Store, *simulator.Exchange) {
	t.Helper()
	store := memstore.New()
	exch := simulator.New(10000, false)
	exch.SetPrice("BTCUSDT", 50000)
	m := New(store, exch, riskCfg, &noopLogger{}, "positions", "daily_pnl", breakers)
	return m, store, exch
}

func buyOrder(qty float64) *core.Order {
	return &core.Order{
		OrderID:      "o1",
		PositionID:   "p1",
		Symbol:       "BTCUSDT",
		Side:         core.SideBuy,
		PositionSide: core.PositionLong,
		Amount:       decimal.NewFromFloat(qty),
	}
}

func fillResult(price, qty float64) *core.ExecutionResult {
	return &core.ExecutionResult{
		Status:     core.ExecFilled,
		FillPrice:  decimal.NewFromFloat(price),
		Amount:     decimal.NewFromFloat(qty),
		Commission: decimal.NewFromFloat(0.01),
	}
}

func TestUpdate_OpeningPositionWeightsAveragePrice(t *testing.T) {
	m, _, _ := newManager(t, &fakeRisk{}, nil)
	ctx := context.Background()

	require.NoError(t, m.Update(ctx, buyOrder(0.1), fillResult(50000, 0.1)))
	require.NoError(t, m.Update(ctx, buyOrder(0.1), fillResult(51000, 0.1)))

	positions := m.GetPositions()
	pos := positions[core.PositionKey{Symbol: "BTCUSDT", PositionSide: core.PositionLong}]
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.2)))
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromFloat(50500)))
}

func TestUpdate_ReducingPositionRecordsRealizedPnL(t *testing.T) {
	m, _, _ := newManager(t, &fakeRisk{}, nil)
	ctx := context.Background()

	require.NoError(t, m.Update(ctx, buyOrder(0.2), fillResult(50000, 0.2)))

	sellOrder := buyOrder(0.1)
	sellOrder.Side = core.SideSell
	require.NoError(t, m.Update(ctx, sellOrder, fillResult(51000, 0.1)))

	positions := m.GetPositions()
	pos := positions[core.PositionKey{Symbol: "BTCUSDT", PositionSide: core.PositionLong}]
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromFloat(100)))
}

func TestUpdate_FullyClosingPositionRemovesIt(t *testing.T) {
	m, _, _ := newManager(t, &fakeRisk{}, nil)
	ctx := context.Background()

	require.NoError(t, m.Update(ctx, buyOrder(0.1), fillResult(50000, 0.1)))

	sellOrder := buyOrder(0.1)
	sellOrder.Side = core.SideSell
	require.NoError(t, m.Update(ctx, sellOrder, fillResult(50500, 0.1)))

	positions := m.GetPositions()
	_, ok := positions[core.PositionKey{Symbol: "BTCUSDT", PositionSide: core.PositionLong}]
	assert.False(t, ok)
}

func TestUpdate_ReduceWithoutExistingPositionErrors(t *testing.T) {
	m, _, _ := newManager(t, &fakeRisk{}, nil)
	ctx := context.Background()

	sellOrder := buyOrder(0.1)
	sellOrder.Side = core.SideSell
	err := m.Update(ctx, sellOrder, fillResult(50000, 0.1))
	assert.Error(t, err)
}

func TestCheckPositionLimits_CircuitBreakerOpenRejects(t *testing.T) {
	breakers := risk.NewRegistry(risk.CircuitConfig{MaxConsecutiveLosses: 1})
	m, _, _ := newManager(t, &fakeRisk{maxPositionSizePct: 1, maxPortfolioExposurePct: 1}, breakers)
	breakers.For("BTCUSDT").RecordTrade(decimal.NewFromFloat(-10))

	ok, reason := m.CheckPositionLimits(context.Background(), buyOrder(0.01))
	assert.False(t, ok)
	assert.Equal(t, "circuit_breaker_open", reason)
}

func TestCheckPositionLimits_ExceedsMaxPositionSizePct(t *testing.T) {
	m, store, _ := newManager(t, &fakeRisk{maxPositionSizePct: 0.05, maxPortfolioExposurePct: 1}, nil)
	ctx := context.Background()

	filter := map[string]interface{}{"symbol": "BTCUSDT", "position_side": "LONG"}
	_, err := store.Upsert(ctx, "positions", filter, filter, map[string]interface{}{
		"symbol": "BTCUSDT", "position_side": "LONG", "status": "open",
		"quantity": decimal.NewFromFloat(0.05), "avg_price": decimal.NewFromFloat(50000),
	})
	require.NoError(t, err)

	order := buyOrder(0.05)
	order.TargetPrice = decimalPtr(50000)
	ok, reason := m.CheckPositionLimits(ctx, order)
	assert.False(t, ok)
	assert.Equal(t, "max_position_size_pct_exceeded", reason)
}

func TestCheckPositionLimits_WithinLimitsPasses(t *testing.T) {
	m, _, _ := newManager(t, &fakeRisk{maxPositionSizePct: 1, maxPortfolioExposurePct: 1}, nil)
	order := buyOrder(0.001)
	order.TargetPrice = decimalPtr(50000)

	ok, reason := m.CheckPositionLimits(context.Background(), order)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCheckDailyLossLimits_TripsWhenLossExceedsPct(t *testing.T) {
	m, _, _ := newManager(t, &fakeRisk{maxDailyLossPct: 0.01}, nil)
	ctx := context.Background()

	require.NoError(t, m.Update(ctx, buyOrder(0.2), fillResult(50000, 0.2)))
	sellOrder := buyOrder(0.2)
	sellOrder.Side = core.SideSell
	require.NoError(t, m.Update(ctx, sellOrder, fillResult(40000, 0.2)))

	ok, reason := m.CheckDailyLossLimits(ctx)
	assert.False(t, ok)
	assert.Equal(t, "max_daily_loss_pct_exceeded", reason)
}

func TestCloseByOCO_ClosesPositionAndRecordsPnL(t *testing.T) {
	m, _, _ := newManager(t, &fakeRisk{}, nil)
	ctx := context.Background()

	require.NoError(t, m.Update(ctx, buyOrder(0.1), fillResult(50000, 0.1)))

	pair := &core.OCOPair{
		PositionID:   "p1",
		Symbol:       "BTCUSDT",
		PositionSide: core.PositionLong,
		Quantity:     decimal.NewFromFloat(0.1),
	}
	require.NoError(t, m.CloseByOCO(ctx, pair, core.CloseReasonTakeProfit, 52000, 0.02))

	positions := m.GetPositions()
	_, ok := positions[core.PositionKey{Symbol: "BTCUSDT", PositionSide: core.PositionLong}]
	assert.False(t, ok)
}

func decimalPtr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}
