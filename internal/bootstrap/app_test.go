package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeengine/internal/config"
	"tradeengine/internal/core"

	"github.com/stretchr/testify/assert"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestRun_StopsAllRunnersWhenOneFails(t *testing.T) {
	app := &App{Cfg: &Config{App: config.AppConfig{PodID: "pod-test"}}, Logger: &noopLogger{}}

	failing := runnerFunc(func(ctx context.Context) error {
		return errors.New("boom")
	})
	blocking := runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := app.Run(failing, blocking)
	assert.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}

func TestRun_ReturnsNilWhenAllRunnersExitCleanly(t *testing.T) {
	app := &App{Cfg: &Config{App: config.AppConfig{PodID: "pod-test"}}, Logger: &noopLogger{}}

	quick := runnerFunc(func(ctx context.Context) error {
		return nil
	})

	err := app.Run(quick, quick)
	assert.NoError(t, err)
}

func TestShutdown_DoesNotPanicWithoutSyncSupport(t *testing.T) {
	app := &App{Cfg: &Config{}, Logger: &noopLogger{}}
	assert.NotPanics(t, func() {
		app.Shutdown(10 * time.Millisecond)
	})
}
