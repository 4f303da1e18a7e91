// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	MessageBus  MessageBusConfig  `yaml:"message_bus"`
	Store       StoreConfig       `yaml:"document_store"`
	Lock        LockConfig        `yaml:"distributed_lock"`
	RiskControl RiskControlConfig `yaml:"risk_control"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	OCO         OCOConfig         `yaml:"oco"`
	System      SystemConfig      `yaml:"system"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains process-level identity settings.
type AppConfig struct {
	PodID      string `yaml:"pod_id"` // empty: the lock manager generates a UUID
	AdminPort  string `yaml:"admin_port" validate:"required"`
	Simulate   bool   `yaml:"simulate"` // use the in-process SimulatorExchange instead of a live binding
}

// ExchangeConfig contains the futures-exchange binding's configuration.
type ExchangeConfig struct {
	Name                  string  `yaml:"name" validate:"required,oneof=binance_futures simulator"`
	APIKey                Secret  `yaml:"api_key"`
	SecretKey             Secret  `yaml:"secret_key"`
	BaseURL               string  `yaml:"base_url"`
	HedgeMode             bool    `yaml:"hedge_mode"`
	RateLimitPerSecond    float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst        int     `yaml:"rate_limit_burst"`
}

// MessageBusConfig contains the NATS signal-bus binding's configuration.
type MessageBusConfig struct {
	URL                 Secret `yaml:"url" validate:"required"`
	SignalsSubject      string `yaml:"signals_subject" validate:"required"`
	ReconnectWaitSeconds int   `yaml:"reconnect_wait_seconds" validate:"min=1,max=300"`
	PingIntervalSeconds int    `yaml:"ping_interval_seconds" validate:"min=1,max=600"`
	MaxPingsOutstanding int    `yaml:"max_pings_outstanding" validate:"min=1,max=10"`
}

// StoreConfig contains the MongoDB document-store binding's configuration.
type StoreConfig struct {
	URI      Secret          `yaml:"uri" validate:"required"`
	Database string          `yaml:"database" validate:"required"`
	Collections CollectionNames `yaml:"collections"`
}

// CollectionNames overrides the default collection names (spec §6.3).
type CollectionNames struct {
	Positions        string `yaml:"positions"`
	DailyPnL         string `yaml:"daily_pnl"`
	DistributedLocks string `yaml:"distributed_locks"`
	LeaderElection   string `yaml:"leader_election"`
	OCOPairs         string `yaml:"oco_pairs"`
	AuditLogs        string `yaml:"audit_logs"`
	TradingConfigs   string `yaml:"trading_configs"`
	Orders           string `yaml:"orders"`
}

// WithDefaults fills in blank collection names with the spec's defaults.
func (c CollectionNames) WithDefaults() CollectionNames {
	if c.Positions == "" {
		c.Positions = "positions"
	}
	if c.DailyPnL == "" {
		c.DailyPnL = "daily_pnl"
	}
	if c.DistributedLocks == "" {
		c.DistributedLocks = "distributed_locks"
	}
	if c.LeaderElection == "" {
		c.LeaderElection = "leader_election"
	}
	if c.OCOPairs == "" {
		c.OCOPairs = "oco_pairs"
	}
	if c.AuditLogs == "" {
		c.AuditLogs = "audit_logs"
	}
	if c.TradingConfigs == "" {
		c.TradingConfigs = "trading_configs"
	}
	if c.Orders == "" {
		c.Orders = "orders"
	}
	return c
}

// LockConfig contains distributed-lock and leader-election TTLs (spec §4.4).
type LockConfig struct {
	TTLSeconds               int `yaml:"ttl_seconds" validate:"min=1"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds" validate:"min=1"`
	StalenessSeconds         int `yaml:"staleness_seconds" validate:"min=1"`
	CleanupIntervalSeconds   int `yaml:"cleanup_interval_seconds" validate:"min=1"`
}

// RiskControlConfig contains portfolio-level and per-symbol-default risk parameters.
type RiskControlConfig struct {
	MaxPositionSizePct      float64 `yaml:"max_position_size_pct" validate:"min=0,max=1"`
	MaxDailyLossPct         float64 `yaml:"max_daily_loss_pct" validate:"min=0,max=1"`
	MaxPortfolioExposurePct float64 `yaml:"max_portfolio_exposure_pct" validate:"min=0,max=1"`
	DefaultStopLossPct      float64 `yaml:"default_stop_loss_pct" validate:"min=0,max=1"`
	DefaultTakeProfitPct    float64 `yaml:"default_take_profit_pct" validate:"min=0,max=1"`
	DefaultLeverage         int     `yaml:"default_leverage" validate:"min=1,max=125"`
	DefaultMarginType       string  `yaml:"default_margin_type" validate:"oneof=isolated cross"`
	CircuitBreakerEnabled   bool    `yaml:"circuit_breaker_enabled"`
	MaxConsecutiveLosses    int     `yaml:"max_consecutive_losses" validate:"min=0"`
	CircuitCooldownSeconds  int     `yaml:"circuit_cooldown_seconds" validate:"min=0"`
}

// IdempotencyConfig contains the in-memory dedup cache window (spec §4.6).
type IdempotencyConfig struct {
	WindowSeconds int `yaml:"window_seconds" validate:"min=1"`
}

// OCOConfig contains the OCO monitor's poll cadence (spec §4.2).
type OCOConfig struct {
	PollIntervalSeconds int  `yaml:"poll_interval_seconds" validate:"min=1"`
	Durable             bool `yaml:"durable"` // use the DBOS-backed monitor variant (OQ-4)
}

// SystemConfig contains system-level settings.
type SystemConfig struct {
	LogLevel               string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	MaxRetryAttempts       int     `yaml:"max_retry_attempts" validate:"min=0"`
	RetryBackoffMultiplier float64 `yaml:"retry_backoff_multiplier" validate:"min=1"`
	DBOSDatabaseURL        Secret  `yaml:"dbos_database_url"` // required only when oco.durable is true (OQ-4)
}

// ConcurrencyConfig contains worker-pool sizing for fan-out tasks.
type ConcurrencyConfig struct {
	OCOCancelPoolSize         int `yaml:"oco_cancel_pool_size" validate:"min=1,max=100"`
	OCOCancelPoolBuffer       int `yaml:"oco_cancel_pool_buffer" validate:"min=1,max=10000"`
	PositionBroadcastPoolSize int `yaml:"position_broadcast_pool_size" validate:"min=1,max=100"`
	PositionBroadcastPoolBuffer int `yaml:"position_broadcast_pool_buffer" validate:"min=1,max=10000"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.Store.Collections = config.Store.Collections.WithDefaults()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in zero-valued numeric fields with the spec's defaults
// (spec §4.2, §4.4, §4.6: 2s OCO poll, 60s lock TTL, 10s heartbeat, 30s
// staleness, 60s cleanup sweep, 5 minute idempotency window).
func (c *Config) applyDefaults() {
	if c.OCO.PollIntervalSeconds == 0 {
		c.OCO.PollIntervalSeconds = 2
	}
	if c.Lock.TTLSeconds == 0 {
		c.Lock.TTLSeconds = 60
	}
	if c.Lock.HeartbeatIntervalSeconds == 0 {
		c.Lock.HeartbeatIntervalSeconds = 10
	}
	if c.Lock.StalenessSeconds == 0 {
		c.Lock.StalenessSeconds = 30
	}
	if c.Lock.CleanupIntervalSeconds == 0 {
		c.Lock.CleanupIntervalSeconds = 60
	}
	if c.Idempotency.WindowSeconds == 0 {
		c.Idempotency.WindowSeconds = 300
	}
	if c.System.MaxRetryAttempts == 0 {
		c.System.MaxRetryAttempts = 3
	}
	if c.System.RetryBackoffMultiplier == 0 {
		c.System.RetryBackoffMultiplier = 2
	}
	if c.App.AdminPort == "" {
		c.App.AdminPort = "8080"
	}
	if c.MessageBus.ReconnectWaitSeconds == 0 {
		c.MessageBus.ReconnectWaitSeconds = 2
	}
	if c.MessageBus.PingIntervalSeconds == 0 {
		c.MessageBus.PingIntervalSeconds = 60
	}
	if c.MessageBus.MaxPingsOutstanding == 0 {
		c.MessageBus.MaxPingsOutstanding = 3
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMessageBus(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStore(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskControl(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateExchange() error {
	validNames := []string{"binance_futures", "simulator"}
	if !contains(validNames, c.Exchange.Name) {
		return ValidationError{
			Field:   "exchange.name",
			Value:   c.Exchange.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validNames, ", ")),
		}
	}
	if c.Exchange.Name == "binance_futures" {
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			return ValidationError{
				Field:   "exchange.api_key/secret_key",
				Message: "required for a live exchange binding",
			}
		}
	}
	return nil
}

func (c *Config) validateMessageBus() error {
	if c.MessageBus.URL == "" {
		return ValidationError{Field: "message_bus.url", Message: "NATS URL is required"}
	}
	if c.MessageBus.SignalsSubject == "" {
		return ValidationError{Field: "message_bus.signals_subject", Message: "signals subject is required"}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.URI == "" {
		return ValidationError{Field: "document_store.uri", Message: "MongoDB URI is required"}
	}
	if c.Store.Database == "" {
		return ValidationError{Field: "document_store.database", Message: "database name is required"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateRiskControl() error {
	if c.RiskControl.MaxPositionSizePct < 0 || c.RiskControl.MaxPositionSizePct > 1 {
		return ValidationError{
			Field:   "risk_control.max_position_size_pct",
			Value:   c.RiskControl.MaxPositionSizePct,
			Message: "must be between 0 and 1",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BINANCE_API_KEY", "BINANCE_SECRET_KEY",
		"MONGODB_URI", "NATS_URL",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for local development/testing.
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			AdminPort: "8080",
			Simulate:  true,
		},
		Exchange: ExchangeConfig{
			Name:      "simulator",
			HedgeMode: true,
		},
		MessageBus: MessageBusConfig{
			URL:            "nats://localhost:4222",
			SignalsSubject: "signals.trading",
		},
		Store: StoreConfig{
			URI:      "mongodb://localhost:27017",
			Database: "petrosa_trading",
		},
		RiskControl: RiskControlConfig{
			MaxPositionSizePct:      0.1,
			MaxDailyLossPct:         0.05,
			MaxPortfolioExposurePct: 0.5,
			DefaultStopLossPct:      0.02,
			DefaultTakeProfitPct:    0.04,
			DefaultLeverage:         10,
			DefaultMarginType:       "isolated",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Concurrency: ConcurrencyConfig{
			OCOCancelPoolSize:           5,
			OCOCancelPoolBuffer:         100,
			PositionBroadcastPoolSize:   5,
			PositionBroadcastPoolBuffer: 100,
		},
	}
	cfg.Store.Collections = cfg.Store.Collections.WithDefaults()
	cfg.applyDefaults()
	return cfg
}
