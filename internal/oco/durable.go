// Durable monitor variant (Open Question OQ-4): the same fill-check sweep
// StartMonitoring runs on a plain goroutine ticker, wrapped instead as a
// DBOS workflow step so the sweep survives a pod crash mid-check, grounded
// on the teacher's internal/engine/durable.DBOSEngine/TradingWorkflows
// (ctx.RunAsStep per unit of work, ctx.RunWorkflow to kick off each durable
// execution, dbosCtx.Launch/Shutdown for lifecycle).
package oco

import (
	"context"
	"time"

	"tradeengine/internal/core"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// DurableMonitor sweeps active OCO pairs for fills the same way Manager's
// default goroutine loop does, but runs each sweep as a durable DBOS
// workflow so a crash mid-sweep resumes at the last uncompleted step rather
// than silently dropping it.
type DurableMonitor struct {
	dbosCtx dbos.DBOSContext
	mgr     *Manager
	poll    time.Duration
	logger  core.ILogger

	cancel context.CancelFunc
}

// NewDurableMonitor builds a DurableMonitor over an already-launched DBOS
// context, reusing mgr's configured poll interval.
func NewDurableMonitor(dbosCtx dbos.DBOSContext, mgr *Manager, logger core.ILogger) *DurableMonitor {
	return &DurableMonitor{
		dbosCtx: dbosCtx,
		mgr:     mgr,
		poll:    mgr.poll,
		logger:  logger.WithField("component", "oco_durable_monitor"),
	}
}

// SweepWorkflow is the durable workflow entrypoint. One execution checks
// every active OCO pair as a single recoverable step; input is unused and
// present only to match dbos.DBOSContext.RunWorkflow's signature.
func (d *DurableMonitor) SweepWorkflow(ctx dbos.DBOSContext, input any) (any, error) {
	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		d.mgr.tick(stepCtx)
		return nil, nil
	})
	return nil, err
}

// Start launches SweepWorkflow on mgr's poll interval until ctx is
// canceled. Each tick is a distinct durable workflow execution rather than
// one long-running process, so DBOS can checkpoint and resume it
// independently of the others.
func (d *DurableMonitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go func() {
		ticker := time.NewTicker(d.poll)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				handle, err := d.dbosCtx.RunWorkflow(d.dbosCtx, d.SweepWorkflow, nil)
				if err != nil {
					d.logger.Error("oco durable sweep failed to start", "error", err)
					continue
				}
				if _, err := handle.GetResult(); err != nil {
					d.logger.Error("oco durable sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the sweep loop. The shared DBOS context outlives it and is
// shut down separately, since other durable workflows may depend on it.
func (d *DurableMonitor) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}
