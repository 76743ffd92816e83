// Command coordinator is the coordinator-side process: it wires the bus
// client (C1), durable store (C7), agent registry (C4), subscription
// manager (C5), and workflow engine (C6) behind the public API port
// (C8), then either runs an interactive status dashboard or logs status
// periodically. Flag parsing and signal-driven shutdown are grounded on
// cmd/goclaw/main.go's startup shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fleetward/coordinator/internal/api"
	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/config"
	"github.com/fleetward/coordinator/internal/notify"
	"github.com/fleetward/coordinator/internal/persistence"
	"github.com/fleetward/coordinator/internal/registry"
	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shell"
	"github.com/fleetward/coordinator/internal/subscription"
	"github.com/fleetward/coordinator/internal/telemetry"
	"github.com/fleetward/coordinator/internal/workflow"
)

var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

Starts the coordinator: tracks agents over the bus, validates and
dispatches module executions, and tracks workflow lifecycle durably.

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLEETD_HOME          Data directory (default: ~/.fleetd)
  FLEETD_NO_TUI         Set to 1 to disable the status dashboard
  NATS_URL             Comma-separated bus server URLs
  FLEETD_SQLITE_DSN    Path to the sqlite3 database file
  TELEGRAM_TOKEN       Enables the diagnostic Telegram notification bridge
`)
}

func main() {
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "coordinator", cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatal(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	otelProvider, err := telemetry.InitOTel(ctx, telemetry.OTelConfig{
		Enabled:       cfg.OTel.Enabled,
		TraceEndpoint: cfg.OTel.TraceEndpoint,
		ServiceName:   "fleetd-coordinator",
		SampleRate:    cfg.OTel.SampleRate,
	})
	if err != nil {
		fatal(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("metrics init failed, falling back to no-op", "error", err)
		metrics = telemetry.NoopMetrics()
	}

	dbPath := cfg.Persistence.DSN
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.HomeDir, dbPath)
	}
	store, err := persistence.Open(dbPath)
	if err != nil {
		fatal(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", dbPath)

	bc, err := bus.ConnectWithLogger(cfg.Bus.URLs, "fleetd-coordinator", bus.ReconnectPolicy{}, logger)
	if err != nil {
		fatal(logger, "E_BUS_CONNECT", err)
	}
	defer bc.Drain()
	logger.Info("startup phase", "phase", "bus_connected", "url", bc.ConnectedURL())

	var wf *workflow.Engine

	reg := registry.New(registry.Config{
		Store:             store,
		Logger:            logger,
		Metrics:           metrics,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		OnCapabilityChange: func(agent schema.Agent) {
			if subMgr != nil {
				if err := subMgr.Setup(ctx, agent.ID, agent.Capability); err != nil {
					logger.Error("subscription setup failed", "agent_id", agent.ID, "error", err)
				}
			}
		},
		OnAgentDied: func(agentID string) {
			if wf != nil {
				wf.Wake(ctx)
			}
		},
	})

	if err := reg.Hydrate(ctx); err != nil {
		fatal(logger, "E_REGISTRY_HYDRATE", err)
	}
	if err := reg.Subscribe(bc); err != nil {
		fatal(logger, "E_REGISTRY_SUBSCRIBE", err)
	}
	logger.Info("startup phase", "phase", "registry_ready", "agents", len(reg.List(registry.FilterAll)))

	wf = workflow.New(workflow.Config{
		Agents:         reg,
		Bus:            bc,
		Store:          store,
		Logger:         logger,
		Metrics:        metrics,
		PublishRetries: cfg.Workflow.PublishRetries,
	})
	if err := wf.Hydrate(ctx); err != nil {
		fatal(logger, "E_WORKFLOW_HYDRATE", err)
	}
	if _, err := bc.Subscribe(bus.SubjectModuleState, wf.AgentStateHandler); err != nil {
		fatal(logger, "E_WORKFLOW_SUBSCRIBE", err)
	}
	logger.Info("startup phase", "phase", "workflow_ready")

	subMgr = subscription.New(subscription.Config{
		Bus:               bc,
		Logger:            logger,
		Metrics:           metrics,
		MaxAttempts:       cfg.Subscription.MaxAttempts,
		BackoffBase:       time.Duration(cfg.Subscription.BackoffBaseMS) * time.Millisecond,
		BackoffMultiplier: cfg.Subscription.BackoffMultiplier,
		Handler:           wf.ResultHandler,
	})
	for _, agent := range reg.List(registry.FilterAll) {
		if err := subMgr.Setup(ctx, agent.ID, agent.Capability); err != nil {
			logger.Error("initial subscription setup failed", "agent_id", agent.ID, "error", err)
		}
	}

	publicAPI := api.New(ctx, api.Config{
		Registry: reg,
		Engine:   wf,
		Logger:   logger,
	})

	if cfg.Telegram.Enabled {
		bridge, err := notify.NewTelegramBridge(cfg.Telegram, logger)
		if err != nil {
			logger.Warn("telegram bridge init failed; continuing without it", "error", err)
		} else if bridge != nil {
			if err := bridge.Subscribe(bc); err != nil {
				logger.Warn("telegram bridge subscribe failed", "error", err)
			} else {
				logger.Info("telegram bridge active", "bot", bridge.Self())
			}
		}
	}

	go reg.RunLivenessSweeper(ctx)
	go reg.RunReconciler(ctx, time.Duration(cfg.Persistence.ReconcileIntervalSec)*time.Second)
	go wf.RunDeathSweeper(ctx)
	go wf.RunReconciler(ctx, time.Duration(cfg.Persistence.ReconcileIntervalSec)*time.Second)

	logger.Info("coordinator ready")

	if shell.Interactive(os.Getenv("FLEETD_NO_TUI")) {
		if err := shell.Run(ctx, shell.Snapshotter(publicAPI, time.Now())); err != nil && ctx.Err() == nil {
			logger.Warn("shell dashboard exited with error", "error", err)
		}
	} else {
		runStatusLoop(ctx, logger, publicAPI)
	}

	logger.Info("coordinator shutting down")
}

// subMgr is referenced by the registry's OnCapabilityChange callback,
// which is constructed before the subscription manager exists.
var subMgr *subscription.Manager

func runStatusLoop(ctx context.Context, logger *slog.Logger, publicAPI *api.API) {
	snapshot := shell.Snapshotter(publicAPI, time.Now())
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := snapshot()
			logger.Info("fleet status",
				"agents_alive", snap.AliveAgents,
				"agents_dead", snap.DeadAgents,
				"workflows_running", snap.RunningWFs,
				"workflows_completed", snap.CompletedWFs,
				"workflows_failed", snap.FailedWFs,
			)
		}
	}
}

func fatal(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", reasonCode, err)
	}
	os.Exit(1)
}
