package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeengine/internal/core"

	"golang.org/x/sync/errgroup"
)

// App represents the application context and holds core dependencies shared
// across the engine's components.
type App struct {
	Cfg    *Config
	Logger core.ILogger
}

// NewApp bootstraps configuration and logging. Component wiring (store, bus,
// exchange, dispatcher, ...) happens in cmd/tradeengine, which has the full
// picture of what each component needs.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := InitLogger(cfg)

	return &App{
		Cfg:    cfg,
		Logger: logger,
	}, nil
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// Run orchestrates the application lifecycle: it starts every runner
// concurrently, cancels them all on the first failure or termination
// signal, and waits for clean shutdown.
func (a *App) Run(runners ...Runner) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(sigCtx)

	a.Logger.Info("starting application", "pod_id", a.Cfg.App.PodID)

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		if sigCtx.Err() == nil {
			a.Logger.Error("application stopped with error", "error", err)
			return err
		}
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// Shutdown flushes the logger after Run returns, if the logger has a Sync
// method. The timeout is only logged; it does not bound the flush.
func (a *App) Shutdown(timeout time.Duration) {
	a.Logger.Info("cleaning up resources", "timeout", timeout)
	if syncer, ok := a.Logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}
