// Command tradeengine is the process entrypoint: it loads configuration,
// wires every component described in SPEC_FULL.md, and runs them under
// bootstrap.App's errgroup-based lifecycle, following market_maker/cmd/
// live_server's composition-root structure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"tradeengine/internal/adminapi"
	"tradeengine/internal/audit"
	"tradeengine/internal/bootstrap"
	"tradeengine/internal/bus/membus"
	"tradeengine/internal/bus/natsbus"
	"tradeengine/internal/consumer"
	"tradeengine/internal/core"
	"tradeengine/internal/dispatcher"
	"tradeengine/internal/engine"
	"tradeengine/internal/exchange/binancefutures"
	"tradeengine/internal/exchange/simulator"
	"tradeengine/internal/lock"
	"tradeengine/internal/oco"
	"tradeengine/internal/ordermanager"
	"tradeengine/internal/position"
	"tradeengine/internal/risk"
	"tradeengine/internal/riskconfig"
	"tradeengine/internal/store/memstore"
	"tradeengine/internal/store/mongostore"
	"tradeengine/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap application: %v\n", err)
		os.Exit(1)
	}
	defer app.Shutdown(10 * time.Second)

	cfg := app.Cfg
	logger := app.Logger

	if err := telemetry.InitMetrics(); err != nil {
		logger.Fatal("failed to init metrics", "error", err)
	}

	var store core.DocumentStore
	if cfg.App.Simulate {
		store = memstore.New()
	} else {
		mongo, err := mongostore.Connect(context.Background(), string(cfg.Store.URI), cfg.Store.Database, logger)
		if err != nil {
			logger.Fatal("failed to connect document store", "error", err)
		}
		store = mongo
	}

	var bus core.MessageBus
	if cfg.App.Simulate {
		bus = membus.New()
	} else {
		natsBus, err := natsbus.Connect(cfg.MessageBus, logger)
		if err != nil {
			logger.Fatal("failed to connect message bus", "error", err)
		}
		bus = natsBus
	}

	var exchange core.Exchange
	if cfg.App.Simulate || cfg.Exchange.Name == "simulator" {
		exchange = simulator.New(1_000_000, cfg.Exchange.HedgeMode)
	} else {
		exchange = binancefutures.New(cfg.Exchange)
	}

	coll := cfg.Store.Collections
	riskCfg := riskconfig.New(store, coll.TradingConfigs, cfg.RiskControl, logger)
	lockMgr := lock.NewManager(store, logger, cfg.Lock, coll.DistributedLocks, coll.LeaderElection, cfg.App.PodID)
	var breakers *risk.Registry
	if cfg.RiskControl.CircuitBreakerEnabled {
		breakers = risk.NewRegistry(risk.CircuitConfig{
			MaxConsecutiveLosses: cfg.RiskControl.MaxConsecutiveLosses,
			CooldownPeriod:       time.Duration(cfg.RiskControl.CircuitCooldownSeconds) * time.Second,
		})
	}
	positionMgr := position.New(store, exchange, riskCfg, logger, coll.Positions, coll.DailyPnL, breakers)
	ocoMgr := oco.New(exchange, positionMgr, store, logger, cfg.OCO, coll.OCOPairs)
	auditLogger := audit.New(store, coll.AuditLogs, logger)
	orderMgr := ordermanager.New(store, coll.Orders, logger)
	dispatch := dispatcher.New(exchange, lockMgr, positionMgr, riskCfg, ocoMgr, auditLogger, orderMgr, logger, cfg.Idempotency, breakers)

	signalConsumer := consumer.New(bus, dispatch, logger, cfg.MessageBus)
	adminServer := adminapi.New(":"+cfg.App.AdminPort, dispatch, exchange, positionMgr, ocoMgr, lockMgr, riskCfg, orderMgr, auditLogger, logger)

	runners := []bootstrap.Runner{
		engine.LockRunner{Manager: lockMgr},
		engine.PositionSyncRunner{Manager: positionMgr},
		signalConsumer,
		adminServer,
	}

	if cfg.OCO.Durable {
		dbosCtx, err := dbos.NewDBOSContext(dbos.Config{
			AppName:     "tradeengine",
			DatabaseURL: string(cfg.System.DBOSDatabaseURL),
		})
		if err != nil {
			logger.Fatal("failed to build DBOS context for durable OCO monitor", "error", err)
		}
		if err := dbosCtx.Launch(); err != nil {
			logger.Fatal("failed to launch DBOS runtime", "error", err)
		}
		monitor := oco.NewDurableMonitor(dbosCtx, ocoMgr, logger)
		runners = append(runners, engine.DurableOCORunner{Monitor: monitor})
	} else {
		runners = append(runners, engine.OCORunner{Manager: ocoMgr})
	}

	if err := app.Run(runners...); err != nil {
		logger.Error("application exited with error", "error", err)
		os.Exit(1)
	}
}
