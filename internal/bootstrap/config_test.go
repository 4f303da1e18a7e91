package bootstrap

import (
	"testing"

	"tradeengine/internal/config"

	"github.com/stretchr/testify/assert"
)

func baseConfig() *Config {
	return &Config{
		App:      config.AppConfig{Simulate: true},
		Exchange: config.ExchangeConfig{Name: "simulator"},
		OCO:      config.OCOConfig{Durable: false},
		System:   config.SystemConfig{},
	}
}

func TestCheckPreFlight_PassesWithSimulatorDefaults(t *testing.T) {
	assert.NoError(t, checkPreFlight(baseConfig()))
}

func TestCheckPreFlight_RequiresDBOSURLWhenOCODurable(t *testing.T) {
	cfg := baseConfig()
	cfg.OCO.Durable = true
	cfg.System.DBOSDatabaseURL = ""

	err := checkPreFlight(cfg)
	assert.Error(t, err)

	cfg.System.DBOSDatabaseURL = "postgres://localhost/dbos"
	assert.NoError(t, checkPreFlight(cfg))
}

func TestCheckPreFlight_RequiresCredentialsOutsideSimulateMode(t *testing.T) {
	cfg := baseConfig()
	cfg.App.Simulate = false
	cfg.Exchange.Name = "binance_futures"
	cfg.Exchange.APIKey = ""
	cfg.Exchange.SecretKey = ""

	err := checkPreFlight(cfg)
	assert.Error(t, err)

	cfg.Exchange.APIKey = "key"
	cfg.Exchange.SecretKey = "secret"
	assert.NoError(t, checkPreFlight(cfg))
}

func TestCheckPreFlight_AllowsMissingCredentialsForSimulatorExchange(t *testing.T) {
	cfg := baseConfig()
	cfg.App.Simulate = false
	cfg.Exchange.Name = "simulator"

	assert.NoError(t, checkPreFlight(cfg))
}
