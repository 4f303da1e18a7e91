package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names (spec §6.6)
const (
	MetricTradesTotal           = "trades_total"
	MetricErrorsTotal           = "errors_total"
	MetricLatencySeconds        = "latency_seconds"
	MetricRiskRejectionsTotal   = "risk_rejections_total"
	MetricPositionsOpenedTotal  = "positions_opened_total"
	MetricPositionsClosedTotal  = "positions_closed_total"
	MetricNATSMessagesProcessed = "nats_messages_processed_total"
	MetricNATSErrorsTotal       = "nats_errors_total"

	// Additional observable gauges supplementing the spec's minimum set.
	// internal/risk's circuit breaker sets circuit_breaker_open; nothing in
	// the module calls SetOpenPositions or SetDailyPnL, so those two gauges
	// report no data.
	MetricOpenPositions      = "open_positions"
	MetricCircuitBreakerOpen = "circuit_breaker_open"
	MetricDailyPnL           = "daily_pnl"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TradesTotal           metric.Int64Counter
	ErrorsTotal            metric.Int64Counter
	LatencySeconds         metric.Float64Histogram
	RiskRejectionsTotal    metric.Int64Counter
	PositionsOpenedTotal   metric.Int64Counter
	PositionsClosedTotal   metric.Int64Counter
	NATSMessagesProcessed  metric.Int64Counter
	NATSErrorsTotal        metric.Int64Counter
	OpenPositions          metric.Int64ObservableGauge
	CircuitBreakerOpen     metric.Int64ObservableGauge
	DailyPnL               metric.Float64ObservableGauge

	mu               sync.RWMutex
	openPositionsMap map[string]int64
	cbOpenMap        map[string]int64
	dailyPnLMap      map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openPositionsMap: make(map[string]int64),
			cbOpenMap:        make(map[string]int64),
			dailyPnLMap:      make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TradesTotal, err = meter.Int64Counter(MetricTradesTotal, metric.WithDescription("Total trades dispatched, labeled by status and type"))
	if err != nil {
		return err
	}

	m.ErrorsTotal, err = meter.Int64Counter(MetricErrorsTotal, metric.WithDescription("Total errors, labeled by kind"))
	if err != nil {
		return err
	}

	m.LatencySeconds, err = meter.Float64Histogram(MetricLatencySeconds, metric.WithDescription("End-to-end dispatch latency"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.RiskRejectionsTotal, err = meter.Int64Counter(MetricRiskRejectionsTotal, metric.WithDescription("Signals rejected by a risk check, labeled by reason/symbol/exchange"))
	if err != nil {
		return err
	}

	m.PositionsOpenedTotal, err = meter.Int64Counter(MetricPositionsOpenedTotal, metric.WithDescription("Positions opened, labeled by symbol/side"))
	if err != nil {
		return err
	}

	m.PositionsClosedTotal, err = meter.Int64Counter(MetricPositionsClosedTotal, metric.WithDescription("Positions closed, labeled by symbol/side/close_reason"))
	if err != nil {
		return err
	}

	m.NATSMessagesProcessed, err = meter.Int64Counter(MetricNATSMessagesProcessed, metric.WithDescription("Signal messages processed, labeled by status"))
	if err != nil {
		return err
	}

	m.NATSErrorsTotal, err = meter.Int64Counter(MetricNATSErrorsTotal, metric.WithDescription("Message-bus errors, labeled by type"))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Currently open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DailyPnL, err = meter.Float64ObservableGauge(MetricDailyPnL, metric.WithDescription("Realized PnL for the current UTC day"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for date, val := range m.dailyPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("date", date)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable/counter state

func (m *MetricsHolder) SetOpenPositions(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositionsMap[symbol] = count
}

func (m *MetricsHolder) SetCircuitBreakerOpen(symbol string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[symbol] = val
}

func (m *MetricsHolder) SetDailyPnL(date string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnLMap[date] = value
}

func (m *MetricsHolder) GetOpenPositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openPositionsMap {
		res[k] = v
	}
	return res
}
