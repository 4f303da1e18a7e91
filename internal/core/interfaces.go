package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging. Implemented by pkg/logging.ZapLogger.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Exchange is the futures-exchange contract consumed by the core (spec §6.1).
// Any REST/WebSocket binding, or the in-memory SimulatorExchange, must
// satisfy it.
type Exchange interface {
	Execute(ctx context.Context, order *Order) (*ExecutionResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OpenOrder, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetSymbolPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetPositionInfo(ctx context.Context, symbol string) ([]Position, error)
	VerifyHedgeMode(ctx context.Context) (bool, error)
}

// Message is a single message delivered by the MessageBus.
type Message struct {
	Subject string
	Data    []byte
	Reply   string
	Headers map[string]string
}

// MessageBus is the signal-delivery transport consumed by the core (spec §6.2).
type MessageBus interface {
	Subscribe(ctx context.Context, subject string, handler func(Message)) error
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// UpdateResult describes the outcome of an atomic upsert against the store,
// mirroring the MongoDB UpdateResult fields the lock manager relies on.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedID    interface{}
}

// DocumentStore is the persistence contract consumed by the core (spec §6.3):
// atomic upsert with an eligibility predicate, find/findOne, delete, count.
type DocumentStore interface {
	// Upsert sets `set` on the document matching `filter` only when it also
	// matches `eligibility` (or does not exist). `eligibility` is ANDed into
	// the match filter, mirroring Mongo's upsert-with-predicate idiom used
	// for lock acquisition.
	Upsert(ctx context.Context, collection string, filter, eligibility, set map[string]interface{}) (*UpdateResult, error)
	FindOne(ctx context.Context, collection string, filter map[string]interface{}, out interface{}) error
	Find(ctx context.Context, collection string, filter map[string]interface{}, out interface{}) error
	DeleteOne(ctx context.Context, collection string, filter map[string]interface{}) (int64, error)
	DeleteMany(ctx context.Context, collection string, filter map[string]interface{}) (int64, error)
	Count(ctx context.Context, collection string, filter map[string]interface{}) (int64, error)
	Close(ctx context.Context) error
}

// ErrNotFound is returned by FindOne when no document matches the filter.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "document not found" }

// PositionCloser is the narrow slice of PositionManager the OCOManager
// depends on, avoiding a cyclic struct dependency (spec §9).
type PositionCloser interface {
	CloseByOCO(ctx context.Context, pair *OCOPair, filledLeg CloseReason, exitPrice, commission float64) error
}

// Dispatcher converts signals into orders (spec §4.1).
type Dispatcher interface {
	Dispatch(ctx context.Context, signal *Signal) DispatchResult
	ExecuteOrder(ctx context.Context, order *Order) (*ExecutionResult, error)
}

// OCOManager guarantees that of a paired SL/TP bracket, exactly one leg
// executes (spec §4.2).
type OCOManager interface {
	PlaceOCOOrders(ctx context.Context, positionID, symbol string, side PositionSide, quantity float64, slPrice, tpPrice float64, strategyPositionID string, entryPrice float64) (slOrderID, tpOrderID string, err error)
	CancelOCOPair(ctx context.Context, positionID, symbol string, side PositionSide) bool
	CancelOtherOrder(ctx context.Context, positionID, filledOrderID, symbol string, side PositionSide) (bool, CloseReason)
	StartMonitoring(ctx context.Context)
	StopMonitoring()
}

// PositionManager maintains the globally consistent view of open positions
// and enforces portfolio risk limits (spec §4.3).
type PositionManager interface {
	Update(ctx context.Context, order *Order, result *ExecutionResult) error
	CreatePositionRecord(ctx context.Context, order *Order, result *ExecutionResult) error
	ClosePositionRecord(ctx context.Context, positionID string, exitPrice, commission float64) error
	CheckPositionLimits(ctx context.Context, order *Order) (bool, string)
	CheckDailyLossLimits(ctx context.Context) (bool, string)
	UpdatePositionRiskOrders(ctx context.Context, positionID, slOrderID, tpOrderID string) error
	GetPositions() map[PositionKey]*Position
	GetDailyPnL(ctx context.Context) (float64, error)
	GetPortfolioSummary(ctx context.Context) (PortfolioSummary, error)
	CloseByOCO(ctx context.Context, pair *OCOPair, filledLeg CloseReason, exitPrice, commission float64) error
}

// PortfolioSummary is the response shape for GET /account.
type PortfolioSummary struct {
	TotalValue          float64
	TotalRealizedPnL    float64
	TotalUnrealizedPnL  float64
	ExposureBySymbolPct map[string]float64
	OpenPositionCount   int
}

// DistributedLockManager provides mutual exclusion and singleton-leader
// election over the document store (spec §4.4).
type DistributedLockManager interface {
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockName string) (bool, error)
	ExecuteWithLock(ctx context.Context, lockName string, fn func(ctx context.Context) error) error
	IsLeader() bool
	LeaderPodID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RiskConfig is the per-scope cached parameter bag (spec §4.7).
type RiskConfig interface {
	Leverage(symbol string, side PositionSide) int
	MarginType(symbol string) string
	DefaultOrderType(symbol string) OrderType
	DefaultTimeInForce(symbol string) TimeInForce
	PositionSizePct(symbol string) float64
	StopLossPct(symbol string) float64
	TakeProfitPct(symbol string) float64
	MaxPositionSize(symbol string) float64
	MaxPositionSizePct() float64
	MaxDailyLossPct() float64
	MaxPortfolioExposurePct() float64
	MaxAccumulations(symbol string) int
	AccumulationCooldown(symbol string) time.Duration
	// MinOrderAmount derives a minimum order quantity for symbol at
	// currentPrice obeying info's LOT_SIZE/MIN_NOTIONAL with a 5% safety
	// margin, ceiling'd to the exchange step size (spec §4.1.1).
	MinOrderAmount(symbol string, currentPrice float64, info *SymbolInfo) decimal.Decimal
}
