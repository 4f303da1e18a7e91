// Package engine wires the lock manager, OCO monitor, and position
// reconciliation sweep into bootstrap.Runner implementations so cmd/
// tradeengine can hand them all to bootstrap.App.Run alongside the signal
// consumer and admin API, following market_maker/internal/bootstrap/app.go's
// Runner pattern.
package engine

import (
	"context"

	"tradeengine/internal/core"
	"tradeengine/internal/position"
)

// durableMonitor is the narrow slice of oco.DurableMonitor's lifecycle this
// package depends on, so engine need not import dbos-transact-golang.
type durableMonitor interface {
	Start(ctx context.Context)
	Stop()
}

// DurableOCORunner adapts the DBOS-backed OCO monitor variant (OQ-4) to
// bootstrap.Runner, in place of OCORunner when cfg.OCO.Durable is set.
type DurableOCORunner struct {
	Monitor durableMonitor
}

// Run implements bootstrap.Runner.
func (r DurableOCORunner) Run(ctx context.Context) error {
	r.Monitor.Start(ctx)
	<-ctx.Done()
	r.Monitor.Stop()
	return nil
}

// LockRunner adapts a core.DistributedLockManager's Start/Stop lifecycle to
// bootstrap.Runner.
type LockRunner struct {
	Manager core.DistributedLockManager
}

// Run implements bootstrap.Runner.
func (r LockRunner) Run(ctx context.Context) error {
	if err := r.Manager.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Manager.Stop(context.Background())
}

// OCORunner adapts a core.OCOManager's monitor lifecycle to bootstrap.Runner.
type OCORunner struct {
	Manager core.OCOManager
}

// Run implements bootstrap.Runner.
func (r OCORunner) Run(ctx context.Context) error {
	r.Manager.StartMonitoring(ctx)
	<-ctx.Done()
	r.Manager.StopMonitoring()
	return nil
}

// PositionSyncRunner adapts position.Manager's background reconciliation
// sweep to bootstrap.Runner.
type PositionSyncRunner struct {
	Manager *position.Manager
}

// Run implements bootstrap.Runner.
func (r PositionSyncRunner) Run(ctx context.Context) error {
	r.Manager.StartBackgroundSync(ctx)
	<-ctx.Done()
	r.Manager.StopBackgroundSync()
	return nil
}
