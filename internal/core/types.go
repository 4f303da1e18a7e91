// Package core defines the domain types and interfaces shared by every
// component of the trading engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalAction is the trading intent carried by an inbound signal.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
	ActionHold SignalAction = "hold"
)

// OrderType is the tagged variant over the order-type family. A single
// builder routine branches on this to produce exchange-specific parameter
// bags (see internal/dispatcher).
type OrderType string

const (
	OrderTypeMarket            OrderType = "market"
	OrderTypeLimit             OrderType = "limit"
	OrderTypeStop              OrderType = "stop"
	OrderTypeStopLimit         OrderType = "stop_limit"
	OrderTypeTakeProfit        OrderType = "take_profit"
	OrderTypeTakeProfitLimit   OrderType = "take_profit_limit"
	OrderTypeConditionalLimit  OrderType = "conditional_limit"
	OrderTypeConditionalStop   OrderType = "conditional_stop"
)

// TimeInForce controls how long an order rests on the book.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderSide is the exchange-facing buy/sell leg of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// PositionSide distinguishes hedge-mode LONG and SHORT books on the same symbol.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionStatus is the lifecycle state of a Position row.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// OCOStatus is the lifecycle state of an OCOPair.
type OCOStatus string

const (
	OCOActive    OCOStatus = "active"
	OCOCompleted OCOStatus = "completed"
	OCOCancelled OCOStatus = "cancelled"
)

// CloseReason records why an OCOPair (and the position it guarded) closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonManual     CloseReason = "manual"
	CloseReasonNone       CloseReason = ""
)

// Signal is the immutable inbound record produced by upstream strategy code.
type Signal struct {
	StrategyID        string            `json:"strategy_id"`
	Symbol            string            `json:"symbol"`
	Action            SignalAction      `json:"action"`
	Confidence        float64           `json:"confidence"`
	Price             decimal.Decimal   `json:"price"`
	Quantity          decimal.Decimal   `json:"quantity,omitempty"`
	CurrentPrice      decimal.Decimal   `json:"current_price"`
	StopLoss          *decimal.Decimal  `json:"stop_loss,omitempty"`
	TakeProfit        *decimal.Decimal  `json:"take_profit,omitempty"`
	Timeframe         string            `json:"timeframe"`
	Timestamp         time.Time         `json:"timestamp"`
	SignalID          string            `json:"signal_id,omitempty"`
	OrderType         OrderType         `json:"order_type"`
	TimeInForce       TimeInForce       `json:"time_in_force"`
	PositionSizePct   *decimal.Decimal  `json:"position_size_pct,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	TraceContext      string            `json:"_otel_trace_context,omitempty"`
	TraceHeadersLegacy map[string]string `json:"_otel_trace_headers,omitempty"`
}

// HasQuantity reports whether the signal carries an explicit, positive quantity.
func (s *Signal) HasQuantity() bool {
	return !s.Quantity.IsZero() && s.Quantity.IsPositive()
}

// Order is the internal representation of a single exchange order, mutable
// while being constructed and immutable once dispatched.
type Order struct {
	OrderID          string            `json:"order_id"`
	PositionID       string            `json:"position_id"`
	Symbol           string            `json:"symbol"`
	Side             OrderSide         `json:"side"`
	PositionSide     PositionSide      `json:"position_side"`
	Type             OrderType         `json:"type"`
	Amount           decimal.Decimal   `json:"amount"`
	TargetPrice      *decimal.Decimal  `json:"target_price,omitempty"`
	StopLoss         *decimal.Decimal  `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal  `json:"take_profit,omitempty"`
	TimeInForce      TimeInForce       `json:"time_in_force"`
	ReduceOnly       bool              `json:"reduce_only"`
	StrategyMetadata map[string]string `json:"strategy_metadata,omitempty"`
}

// ExecutionStatus is the result status of an Exchange.Execute call.
type ExecutionStatus string

const (
	ExecFilled         ExecutionStatus = "filled"
	ExecPartiallyFilled ExecutionStatus = "partially_filled"
	ExecNew            ExecutionStatus = "new"
	ExecRejected       ExecutionStatus = "rejected"
)

// Fill describes a single fill event reported by the exchange for an order.
type Fill struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	TradeID  string
}

// ExecutionResult is what Exchange.Execute returns.
type ExecutionResult struct {
	OrderID          string
	Status           ExecutionStatus
	FillPrice        decimal.Decimal
	Amount           decimal.Decimal
	Symbol           string
	Fills            []Fill
	Commission       decimal.Decimal
	CommissionAsset  string
	TradeIDs         []string
}

// PositionKey identifies a position by symbol and hedge-mode side.
type PositionKey struct {
	Symbol       string
	PositionSide PositionSide
}

// Position is the net exposure on (symbol, position_side). Access is
// guarded by the owning PositionManager's mutex, not by a per-entry lock.
type Position struct {
	Symbol            string          `bson:"symbol" json:"symbol"`
	PositionSide      PositionSide    `bson:"position_side" json:"position_side"`
	Quantity          decimal.Decimal `bson:"quantity" json:"quantity"`
	AvgPrice          decimal.Decimal `bson:"avg_price" json:"avg_price"`
	TotalCost         decimal.Decimal `bson:"total_cost" json:"total_cost"`
	RealizedPnL       decimal.Decimal `bson:"realized_pnl" json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `bson:"unrealized_pnl" json:"unrealized_pnl"`
	EntryTime         time.Time       `bson:"entry_time" json:"entry_time"`
	LastUpdate        time.Time       `bson:"last_update" json:"last_update"`
	Status            PositionStatus  `bson:"status" json:"status"`
	EntryOrderID      string          `bson:"entry_order_id" json:"entry_order_id"`
	StopLossOrderID   string          `bson:"stop_loss_order_id" json:"stop_loss_order_id"`
	TakeProfitOrderID string          `bson:"take_profit_order_id" json:"take_profit_order_id"`
	CommissionTotal   decimal.Decimal `bson:"commission_total" json:"commission_total"`
}

// Key returns the canonical lookup key for this position.
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, PositionSide: p.PositionSide}
}

// Clone returns a value copy safe to hand to callers outside the lock that
// guards the owning PositionManager's map. Callers must already hold (or no
// longer need) that lock when calling Clone.
func (p *Position) Clone() Position {
	return *p
}

// ExchangePositionKey is the "symbol_positionSide" string the OCO manager
// and monitor use as the authoritative map key (spec OQ-2).
func ExchangePositionKey(symbol string, side PositionSide) string {
	return symbol + "_" + string(side)
}

// OCOPair is one stop-loss/take-profit bracket guarding a position.
type OCOPair struct {
	PositionID         string          `bson:"position_id" json:"position_id"`
	StrategyPositionID string          `bson:"strategy_position_id" json:"strategy_position_id"`
	Symbol             string          `bson:"symbol" json:"symbol"`
	PositionSide       PositionSide    `bson:"position_side" json:"position_side"`
	Quantity           decimal.Decimal `bson:"quantity" json:"quantity"`
	SLOrderID          string          `bson:"sl_order_id" json:"sl_order_id"`
	TPOrderID          string          `bson:"tp_order_id" json:"tp_order_id"`
	Status             OCOStatus       `bson:"status" json:"status"`
	CloseReason        CloseReason     `bson:"close_reason" json:"close_reason"`
	CreatedAt          time.Time       `bson:"created_at" json:"created_at"`
	EntryPrice         decimal.Decimal `bson:"entry_price" json:"entry_price"`
}

// DistributedLock is a lease row in the `distributed_locks` collection.
type DistributedLock struct {
	LockName   string    `bson:"lock_name" json:"lock_name"`
	PodID      string    `bson:"pod_id" json:"pod_id"`
	AcquiredAt time.Time `bson:"acquired_at" json:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at" json:"expires_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}

// Held reports whether the lock is currently held by podID.
func (l *DistributedLock) Held(podID string, now time.Time) bool {
	return l.ExpiresAt.After(now) && l.PodID == podID
}

// LeaderRecord is the singleton `{status: leader}` row in `leader_election`.
type LeaderRecord struct {
	PodID         string    `bson:"pod_id" json:"pod_id"`
	Status        string    `bson:"status" json:"status"`
	ElectedAt     time.Time `bson:"elected_at" json:"elected_at"`
	LastHeartbeat time.Time `bson:"last_heartbeat" json:"last_heartbeat"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}

// Stale reports whether this leader record has not heartbeat recently enough.
func (r *LeaderRecord) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(r.LastHeartbeat) >= staleAfter
}

// DailyPnL is the upserted daily realized-P&L accumulator, keyed by UTC date.
type DailyPnL struct {
	Date  string          `bson:"date" json:"date"` // YYYY-MM-DD, UTC
	Value decimal.Decimal `bson:"value" json:"value"`
}

// IdempotencyEntry records the first time a fingerprint was seen by this
// process so the Dispatcher's advisory in-memory cache can evict by age.
type IdempotencyEntry struct {
	Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
	FirstSeen   time.Time `bson:"first_seen" json:"first_seen"`
}

// DispatchStatus is the outcome of Dispatcher.Dispatch.
type DispatchStatus string

const (
	StatusExecuted        DispatchStatus = "executed"
	StatusRejected        DispatchStatus = "rejected"
	StatusSkippedDuplicate DispatchStatus = "skipped_duplicate"
	StatusHold            DispatchStatus = "hold"
	StatusError           DispatchStatus = "error"
)

// DispatchResult is returned by Dispatcher.Dispatch.
type DispatchResult struct {
	Status          DispatchStatus
	ExecutionResult *ExecutionResult
	Reason          string
	Err             error
}

// SymbolInfo is exchange-reported tick/lot/notional metadata for a symbol.
type SymbolInfo struct {
	Symbol      string
	MinQty      decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

// OpenOrder is the subset of exchange order state the OCO monitor needs.
type OpenOrder struct {
	OrderID string
	Symbol  string
	Status  string
}

// AccountInfo is a minimal account snapshot used by risk checks and the
// admin API's /account endpoint.
type AccountInfo struct {
	TotalWalletBalance decimal.Decimal
	AvailableBalance   decimal.Decimal
}
