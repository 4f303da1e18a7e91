// Package simulator is an in-memory core.Exchange used in simulate mode and
// tests, grounded on the teacher's MockOrderExecutor (map+mutex, instant
// fill for market orders), re-keyed from pb.Order to core.Order/
// core.ExecutionResult and extended to cover the futures-specific queries
// (symbol info, account info, hedge mode) the new Exchange contract needs.
package simulator

import (
	"context"
	"fmt"
	"sync"

	"tradeengine/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// defaultSymbolInfo is used for any symbol not explicitly configured.
var defaultSymbolInfo = core.SymbolInfo{
	MinQty:      decimal.NewFromFloat(0.001),
	StepSize:    decimal.NewFromFloat(0.001),
	MinNotional: decimal.NewFromFloat(5),
	TickSize:    decimal.NewFromFloat(0.01),
}

// Exchange is a deterministic in-memory fake: market orders fill instantly
// at the provided target price (or a seeded mark price), stop/take-profit
// orders rest until CancelOrder or a price feed is injected via SetPrice.
type Exchange struct {
	mu       sync.Mutex
	orders   map[string]*core.OpenOrder
	prices   map[string]float64
	balance  decimal.Decimal
	hedge    bool
}

// New builds a simulator seeded with a starting wallet balance.
func New(startingBalance float64, hedgeMode bool) *Exchange {
	return &Exchange{
		orders:  make(map[string]*core.OpenOrder),
		prices:  make(map[string]float64),
		balance: decimal.NewFromFloat(startingBalance),
		hedge:   hedgeMode,
	}
}

// SetPrice seeds a mark price for symbol, used by market orders lacking a
// target price and by GetSymbolPrice.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

func (e *Exchange) markPrice(symbol string) float64 {
	if p, ok := e.prices[symbol]; ok {
		return p
	}
	return 45000.0 // deterministic fallback, mirrors the original's simulated BTC default
}

// Execute implements core.Exchange. Market orders fill immediately; resting
// order types are tracked as "new" until cancelled (the OCO monitor polls
// GetOpenOrders to detect the implied fill once a price crosses the level,
// via MarkFilled in tests/demo tooling).
func (e *Exchange) Execute(ctx context.Context, order *core.Order) (*core.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orderID := order.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	price := e.markPrice(order.Symbol)
	if order.TargetPrice != nil {
		f, _ := order.TargetPrice.Float64()
		price = f
	}
	priceDec := decimal.NewFromFloat(price)
	commission := order.Amount.Mul(priceDec).Mul(decimal.NewFromFloat(0.0004))

	status := core.ExecFilled
	if order.Type != core.OrderTypeMarket && order.Type != core.OrderTypeLimit {
		status = core.ExecNew
	}

	e.orders[orderID] = &core.OpenOrder{OrderID: orderID, Symbol: order.Symbol, Status: string(status)}

	return &core.ExecutionResult{
		OrderID:         orderID,
		Status:          status,
		FillPrice:       priceDec,
		Amount:          order.Amount,
		Symbol:          order.Symbol,
		Commission:      commission,
		CommissionAsset: "USDT",
		TradeIDs:        []string{uuid.NewString()},
	}, nil
}

// MarkFilled simulates a resting stop/take-profit order being triggered,
// removing it from the open-order book so the OCO monitor detects the fill
// on its next poll. Exposed for simulate mode and integration tests only.
func (e *Exchange) MarkFilled(symbol, orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orders, orderID)
}

// CancelOrder implements core.Exchange.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orders, orderID)
	return nil
}

// GetOrderStatus implements core.Exchange.
func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("order %s not found", orderID)
}

// GetOpenOrders implements core.Exchange.
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []core.OpenOrder
	for _, o := range e.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetSymbolPrice implements core.Exchange.
func (e *Exchange) GetSymbolPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markPrice(symbol), nil
}

// GetSymbolInfo implements core.Exchange.
func (e *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	info := defaultSymbolInfo
	info.Symbol = symbol
	return &info, nil
}

// GetAccountInfo implements core.Exchange.
func (e *Exchange) GetAccountInfo(ctx context.Context) (*core.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &core.AccountInfo{TotalWalletBalance: e.balance, AvailableBalance: e.balance}, nil
}

// GetPositionInfo implements core.Exchange; the simulator defers to the
// PositionManager for position truth, so this always returns empty.
func (e *Exchange) GetPositionInfo(ctx context.Context, symbol string) ([]core.Position, error) {
	return nil, nil
}

// VerifyHedgeMode implements core.Exchange.
func (e *Exchange) VerifyHedgeMode(ctx context.Context) (bool, error) {
	return e.hedge, nil
}

var _ core.Exchange = (*Exchange)(nil)
