package bootstrap

import (
	"fmt"

	"tradeengine/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs pre-flight
// checks that go beyond schema validation.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *Config) error {
	if cfg.OCO.Durable && cfg.System.DBOSDatabaseURL == "" {
		return fmt.Errorf("system.dbos_database_url is required when oco.durable is enabled")
	}

	if !cfg.App.Simulate && cfg.Exchange.Name != "simulator" && (cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "") {
		return fmt.Errorf("exchange.api_key/secret_key are required outside simulate mode")
	}

	return nil
}
