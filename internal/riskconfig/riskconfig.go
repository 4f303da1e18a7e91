// Package riskconfig implements the per-(scope) parameter bag described in
// spec §4.7: symbol+side overrides beat symbol overrides beat global
// defaults beat hard-coded fallbacks, cached in-process with a TTL and a
// cache-miss read-through to the trading_configs collection.
package riskconfig

import (
	"context"
	"sync"
	"time"

	"tradeengine/internal/config"
	"tradeengine/internal/core"

	"github.com/shopspring/decimal"
)

const (
	scopeGlobal = "global"
)

// scopeDoc is the shape persisted in the trading_configs collection, one
// document per scope key ("global", a symbol, or "symbol:SIDE").
type scopeDoc struct {
	Scope                      string   `bson:"scope" json:"scope"`
	Leverage                   *int     `bson:"leverage,omitempty" json:"leverage,omitempty"`
	MarginType                 *string  `bson:"margin_type,omitempty" json:"margin_type,omitempty"`
	DefaultOrderType           *string  `bson:"default_order_type,omitempty" json:"default_order_type,omitempty"`
	TimeInForce                *string  `bson:"time_in_force,omitempty" json:"time_in_force,omitempty"`
	PositionSizePct            *float64 `bson:"position_size_pct,omitempty" json:"position_size_pct,omitempty"`
	StopLossPct                *float64 `bson:"stop_loss_pct,omitempty" json:"stop_loss_pct,omitempty"`
	TakeProfitPct              *float64 `bson:"take_profit_pct,omitempty" json:"take_profit_pct,omitempty"`
	MaxPositionSize            *float64 `bson:"max_position_size,omitempty" json:"max_position_size,omitempty"`
	MaxAccumulations           *int     `bson:"max_accumulations,omitempty" json:"max_accumulations,omitempty"`
	AccumulationCooldownSeconds *int    `bson:"accumulation_cooldown_seconds,omitempty" json:"accumulation_cooldown_seconds,omitempty"`
}

type cacheEntry struct {
	doc       scopeDoc
	found     bool
	fetchedAt time.Time
}

// Config is the TTL-cached RiskConfig implementation backed by a
// core.DocumentStore, with config.RiskControlConfig as the global fallback.
type Config struct {
	store      core.DocumentStore
	collection string
	defaults   config.RiskControlConfig
	ttl        time.Duration
	logger     core.ILogger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New builds a RiskConfig reading scope overrides from collection, falling
// back to defaults from process configuration.
func New(store core.DocumentStore, collection string, defaults config.RiskControlConfig, logger core.ILogger) *Config {
	return &Config{
		store:      store,
		collection: collection,
		defaults:   defaults,
		ttl:        60 * time.Second,
		logger:     logger.WithField("component", "risk_config"),
		cache:      make(map[string]cacheEntry),
	}
}

func symbolSideScope(symbol string, side core.PositionSide) string {
	return symbol + ":" + string(side)
}

// lookup returns the scope docs found for symbol+side, symbol and global,
// most specific first; scopes with no stored doc are left out.
func (c *Config) lookup(symbol string, side core.PositionSide) []scopeDoc {
	scopes := []string{scopeGlobal}
	if symbol != "" {
		scopes = append(scopes, symbol)
		if side != "" {
			scopes = append(scopes, symbolSideScope(symbol, side))
		}
	}

	docs := make([]scopeDoc, 0, len(scopes))
	for _, scope := range scopes {
		if doc, ok := c.get(scope); ok {
			docs = append(docs, doc)
		}
	}
	// Reverse so most-specific (last appended) comes first.
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
	return docs
}

func (c *Config) get(scope string) (scopeDoc, bool) {
	c.mu.RLock()
	entry, ok := c.cache[scope]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.doc, entry.found
	}

	var doc scopeDoc
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.store.FindOne(ctx, c.collection, map[string]interface{}{"scope": scope}, &doc)
	found := err == nil
	if err != nil && err != core.ErrNotFound {
		c.logger.Warn("risk config read-through failed, using stale/default", "scope", scope, "error", err)
		if ok {
			return entry.doc, entry.found
		}
		return scopeDoc{}, false
	}

	c.mu.Lock()
	c.cache[scope] = cacheEntry{doc: doc, found: found, fetchedAt: time.Now()}
	c.mu.Unlock()

	return doc, found
}

// Leverage implements core.RiskConfig.
func (c *Config) Leverage(symbol string, side core.PositionSide) int {
	for _, doc := range c.lookup(symbol, side) {
		if doc.Leverage != nil {
			return *doc.Leverage
		}
	}
	return c.defaults.DefaultLeverage
}

// MarginType implements core.RiskConfig.
func (c *Config) MarginType(symbol string) string {
	for _, doc := range c.lookup(symbol, "") {
		if doc.MarginType != nil {
			return *doc.MarginType
		}
	}
	return c.defaults.DefaultMarginType
}

// DefaultOrderType implements core.RiskConfig.
func (c *Config) DefaultOrderType(symbol string) core.OrderType {
	for _, doc := range c.lookup(symbol, "") {
		if doc.DefaultOrderType != nil {
			return core.OrderType(*doc.DefaultOrderType)
		}
	}
	return core.OrderTypeMarket
}

// DefaultTimeInForce implements core.RiskConfig.
func (c *Config) DefaultTimeInForce(symbol string) core.TimeInForce {
	for _, doc := range c.lookup(symbol, "") {
		if doc.TimeInForce != nil {
			return core.TimeInForce(*doc.TimeInForce)
		}
	}
	return core.TimeInForceGTC
}

// PositionSizePct implements core.RiskConfig.
func (c *Config) PositionSizePct(symbol string) float64 {
	for _, doc := range c.lookup(symbol, "") {
		if doc.PositionSizePct != nil {
			return *doc.PositionSizePct
		}
	}
	return c.defaults.MaxPositionSizePct
}

// StopLossPct implements core.RiskConfig.
func (c *Config) StopLossPct(symbol string) float64 {
	for _, doc := range c.lookup(symbol, "") {
		if doc.StopLossPct != nil {
			return *doc.StopLossPct
		}
	}
	return c.defaults.DefaultStopLossPct
}

// TakeProfitPct implements core.RiskConfig.
func (c *Config) TakeProfitPct(symbol string) float64 {
	for _, doc := range c.lookup(symbol, "") {
		if doc.TakeProfitPct != nil {
			return *doc.TakeProfitPct
		}
	}
	return c.defaults.DefaultTakeProfitPct
}

// MaxPositionSize implements core.RiskConfig.
func (c *Config) MaxPositionSize(symbol string) float64 {
	for _, doc := range c.lookup(symbol, "") {
		if doc.MaxPositionSize != nil {
			return *doc.MaxPositionSize
		}
	}
	return 0 // 0 == unbounded per-symbol absolute cap; percentage limits still apply
}

// MaxPositionSizePct implements core.RiskConfig (portfolio-wide, global only).
func (c *Config) MaxPositionSizePct() float64 {
	return c.defaults.MaxPositionSizePct
}

// MaxDailyLossPct implements core.RiskConfig (portfolio-wide, global only).
func (c *Config) MaxDailyLossPct() float64 {
	return c.defaults.MaxDailyLossPct
}

// MaxPortfolioExposurePct implements core.RiskConfig (portfolio-wide, global only).
func (c *Config) MaxPortfolioExposurePct() float64 {
	return c.defaults.MaxPortfolioExposurePct
}

// MaxAccumulations implements core.RiskConfig.
func (c *Config) MaxAccumulations(symbol string) int {
	for _, doc := range c.lookup(symbol, "") {
		if doc.MaxAccumulations != nil {
			return *doc.MaxAccumulations
		}
	}
	return 3
}

// AccumulationCooldown implements core.RiskConfig.
func (c *Config) AccumulationCooldown(symbol string) time.Duration {
	for _, doc := range c.lookup(symbol, "") {
		if doc.AccumulationCooldownSeconds != nil {
			return time.Duration(*doc.AccumulationCooldownSeconds) * time.Second
		}
	}
	return 5 * time.Minute
}

// MinOrderAmount implements core.RiskConfig: the smallest quantity that
// clears both LOT_SIZE and MIN_NOTIONAL with a 5% safety margin, rounded up
// to the step size.
func (c *Config) MinOrderAmount(symbol string, currentPrice float64, info *core.SymbolInfo) decimal.Decimal {
	price := decimal.NewFromFloat(currentPrice)
	if price.IsZero() {
		return decimal.Zero
	}

	margin := decimal.NewFromFloat(1.05)

	minQty := decimal.Zero
	stepSize := decimal.Zero
	minNotional := decimal.Zero
	if info != nil {
		minQty = info.MinQty
		stepSize = info.StepSize
		minNotional = info.MinNotional
	}

	fromNotional := decimal.Zero
	if !minNotional.IsZero() {
		fromNotional = minNotional.Div(price).Mul(margin)
	}

	amount := decimal.Max(minQty, fromNotional)
	if !stepSize.IsZero() {
		steps := amount.Div(stepSize).Ceil()
		amount = steps.Mul(stepSize)
	}
	return amount
}

var _ core.RiskConfig = (*Config)(nil)
