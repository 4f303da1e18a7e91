package ordermanager

import (
	"context"
	"testing"

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

func TestRecordOrder_InsertsOneRow(t *testing.T) {
	store := memstore.New()
	m := New(store, "orders", &noopLogger{})

	order := &core.Order{OrderID: "o1", Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Amount: decimal.NewFromFloat(0.1)}
	result := &core.ExecutionResult{Status: core.ExecFilled, FillPrice: decimal.NewFromFloat(50000)}

	require.NoError(t, m.RecordOrder(context.Background(), order, result))

	row, err := m.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, "filled", row["status"])
	assert.Equal(t, "BTCUSDT", row["symbol"])
}

func TestRecordOrder_SecondCallUpdatesSameRowNotADuplicate(t *testing.T) {
	store := memstore.New()
	m := New(store, "orders", &noopLogger{})
	ctx := context.Background()

	order := &core.Order{OrderID: "o1", Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Amount: decimal.NewFromFloat(0.1)}
	require.NoError(t, m.RecordOrder(ctx, order, &core.ExecutionResult{Status: core.ExecNew}))
	require.NoError(t, m.RecordOrder(ctx, order, &core.ExecutionResult{Status: core.ExecFilled, FillPrice: decimal.NewFromFloat(50000)}))

	rows, err := m.ListOrders(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "filled", rows[0]["status"])
}

func TestGetOrder_UnknownIDReturnsNotFound(t *testing.T) {
	store := memstore.New()
	m := New(store, "orders", &noopLogger{})

	_, err := m.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestListOrders_RespectsLimit(t *testing.T) {
	store := memstore.New()
	m := New(store, "orders", &noopLogger{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		order := &core.Order{OrderID: string(rune('a' + i)), Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Amount: decimal.NewFromFloat(0.1)}
		require.NoError(t, m.RecordOrder(ctx, order, &core.ExecutionResult{Status: core.ExecFilled}))
	}

	rows, err := m.ListOrders(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
