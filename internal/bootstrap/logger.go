package bootstrap

import (
	"tradeengine/internal/core"
	"tradeengine/pkg/logging"
)

// InitLogger builds the process-wide structured logger from configuration
// and installs it as the package-level default.
func InitLogger(cfg *Config) core.ILogger {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		// NewZapLogger has no failure path: it returns a nil error for
		// every level string.
		panic(err)
	}

	tagged := logger.WithFields(map[string]interface{}{
		"pod_id": cfg.App.PodID,
	})

	logging.SetGlobalLogger(tagged)
	return tagged
}
