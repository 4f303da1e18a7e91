package riskconfig

import (
	"context"
	"testing"

	"tradeengine/internal/config"
	"tradeengine/internal/core"
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

func defaults() config.RiskControlConfig {
	return config.RiskControlConfig{
		MaxPositionSizePct:     0.1,
		MaxDailyLossPct:        0.05,
		MaxPortfolioExposurePct: 0.5,
		DefaultStopLossPct:     0.02,
		DefaultTakeProfitPct:   0.04,
		DefaultLeverage:        5,
		DefaultMarginType:      "ISOLATED",
	}
}

func TestLeverage_FallsBackToGlobalDefault(t *testing.T) {
	store := memstore.New()
	cfg := New(store, "trading_configs", defaults(), &noopLogger{})

	assert.Equal(t, 5, cfg.Leverage("BTCUSDT", core.PositionLong))
}

func TestLeverage_SymbolSideOverridesSymbolOverridesGlobal(t *testing.T) {
	store := memstore.New()
	cfg := New(store, "trading_configs", defaults(), &noopLogger{})
	ctx := context.Background()

	symbolLeverage := 10
	_, err := store.Upsert(ctx, "trading_configs",
		map[string]interface{}{"scope": "BTCUSDT"},
		map[string]interface{}{"scope": "BTCUSDT"},
		map[string]interface{}{"scope": "BTCUSDT", "leverage": symbolLeverage})
	require.NoError(t, err)

	assert.Equal(t, symbolLeverage, cfg.Leverage("BTCUSDT", core.PositionLong))

	sideLeverage := 20
	scope := "BTCUSDT:" + string(core.PositionLong)
	_, err = store.Upsert(ctx, "trading_configs",
		map[string]interface{}{"scope": scope},
		map[string]interface{}{"scope": scope},
		map[string]interface{}{"scope": scope, "leverage": sideLeverage})
	require.NoError(t, err)

	// The first lookup cached the side scope as absent for the cache TTL, so
	// read through a fresh Config to see the new side override.
	cfg = New(store, "trading_configs", defaults(), &noopLogger{})
	assert.Equal(t, sideLeverage, cfg.Leverage("BTCUSDT", core.PositionLong))
	// Short side is untouched by the long-side override.
	assert.Equal(t, symbolLeverage, cfg.Leverage("BTCUSDT", core.PositionShort))
}

func TestMinOrderAmount_RespectsLotSizeAndMinNotional(t *testing.T) {
	store := memstore.New()
	cfg := New(store, "trading_configs", defaults(), &noopLogger{})

	info := &core.SymbolInfo{
		Symbol:      "BTCUSDT",
		MinQty:      decimal.NewFromFloat(0.001),
		StepSize:    decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromFloat(100),
	}

	amount := cfg.MinOrderAmount("BTCUSDT", 50000, info)
	// 100 / 50000 * 1.05 = 0.0021, rounded up to the 0.001 step => 0.003.
	assert.True(t, amount.GreaterThanOrEqual(decimal.NewFromFloat(0.002)))
	assert.True(t, amount.Mod(info.StepSize).IsZero())
}

func TestMinOrderAmount_ZeroPriceReturnsZero(t *testing.T) {
	store := memstore.New()
	cfg := New(store, "trading_configs", defaults(), &noopLogger{})

	amount := cfg.MinOrderAmount("BTCUSDT", 0, &core.SymbolInfo{})
	assert.True(t, amount.IsZero())
}

func TestMaxPositionSizePct_GlobalOnly(t *testing.T) {
	store := memstore.New()
	cfg := New(store, "trading_configs", defaults(), &noopLogger{})
	assert.Equal(t, 0.1, cfg.MaxPositionSizePct())
	assert.Equal(t, 0.05, cfg.MaxDailyLossPct())
	assert.Equal(t, 0.5, cfg.MaxPortfolioExposurePct())
}
