// Package risk implements the per-symbol consecutive-loss/drawdown circuit breaker,
// adapted from market_maker/internal/risk/circuit_breaker.go's consecutive-
// loss/drawdown state machine, stripped of its pb dependency and scoped per
// symbol instead of globally (spec §4.3 supplement: an operator-visible
// trip signal distinct from the hard daily-loss rejection).
package risk

import (
	"sync"
	"time"

	"tradeengine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// CircuitState is the breaker's two-state machine.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitConfig configures a single breaker instance.
type CircuitConfig struct {
	MaxConsecutiveLosses int
	MaxDrawdownAmount    decimal.Decimal
	CooldownPeriod       time.Duration
}

// CircuitBreaker trips when a symbol racks up too many consecutive losing
// trades or too much absolute drawdown, independent of the portfolio-wide
// daily loss limit PositionManager enforces.
type CircuitBreaker struct {
	mu                sync.RWMutex
	symbol            string
	state             CircuitState
	config            CircuitConfig
	consecutiveLosses int
	totalPnL          decimal.Decimal
	lastTripped       time.Time
}

// NewCircuitBreaker builds a breaker scoped to symbol.
func NewCircuitBreaker(symbol string, config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		symbol: symbol,
		state:  CircuitClosed,
		config: config,
	}
}

// RecordTrade feeds a single realized P&L observation into the breaker.
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}
	cb.totalPnL = cb.totalPnL.Add(pnl)

	cb.checkThresholds()
}

func (cb *CircuitBreaker) checkThresholds() {
	if cb.state == CircuitOpen {
		return
	}
	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.trip()
		return
	}
	if !cb.config.MaxDrawdownAmount.IsZero() && cb.totalPnL.LessThan(cb.config.MaxDrawdownAmount.Neg()) {
		cb.trip()
		return
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.lastTripped = time.Now()
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.symbol, true)
}

// IsTripped reports whether the breaker currently blocks new orders,
// auto-resetting after the configured cooldown.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.config.CooldownPeriod > 0 && time.Since(cb.lastTripped) > cb.config.CooldownPeriod {
			cb.resetLocked()
			return false
		}
		return true
	}
	return false
}

// Reset manually clears the breaker's tripped state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetLocked()
}

func (cb *CircuitBreaker) resetLocked() {
	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.totalPnL = decimal.Zero
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.symbol, false)
}

// Registry tracks one CircuitBreaker per symbol, created lazily.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitConfig
}

// NewRegistry builds a Registry applying the same config to every symbol.
func NewRegistry(config CircuitConfig) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), config: config}
}

// For returns (creating if necessary) the breaker for symbol.
func (r *Registry) For(symbol string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[symbol]
	if !ok {
		cb = NewCircuitBreaker(symbol, r.config)
		r.breakers[symbol] = cb
	}
	return cb
}
