// Command agentd is the agent-side process: it connects to the bus,
// loads built-in and WASM modules under a supervised host (C2), watches
// the module directory for hot reloads, and emits heartbeats (C3) on a
// fixed interval until terminated. Flag parsing and signal-driven
// shutdown are grounded on cmd/goclaw/main.go's startup shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/config"
	"github.com/fleetward/coordinator/internal/heartbeat"
	"github.com/fleetward/coordinator/internal/modules"
	"github.com/fleetward/coordinator/internal/telemetry"
	"github.com/fleetward/coordinator/internal/wasmhost"
)

var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

Starts the agent process: connects to the bus, loads modules from the
configured module directory, and emits heartbeats until terminated.

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLEETD_HOME                        Data directory (default: ~/.fleetd)
  NATS_URL                           Comma-separated bus server URLs
  FLEETD_AGENT_ID                    Stable agent identity (default: random UUID)
  FLEETD_MODULE_DIR                  Directory watched for WASM modules
  FLEETD_HEARTBEAT_INTERVAL_SECONDS  Heartbeat emission interval
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

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "agentd", cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatal(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}
	agentName, err := os.Hostname()
	if err != nil || agentName == "" {
		agentName = agentID
	}
	logger.Info("startup phase", "phase", "config_loaded", "agent_id", agentID)

	otelProvider, err := telemetry.InitOTel(ctx, telemetry.OTelConfig{
		Enabled:       cfg.OTel.Enabled,
		TraceEndpoint: cfg.OTel.TraceEndpoint,
		ServiceName:   "fleetd-agent",
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

	bc, err := bus.ConnectWithLogger(cfg.Bus.URLs, "fleetd-agent-"+agentID, bus.ReconnectPolicy{}, logger)
	if err != nil {
		fatal(logger, "E_BUS_CONNECT", err)
	}
	defer bc.Drain()
	logger.Info("startup phase", "phase", "bus_connected", "url", bc.ConnectedURL())

	host, err := wasmhost.NewHost(ctx, wasmhost.Config{
		AgentID:     agentID,
		AgentName:   agentName,
		Bus:         bc,
		Logger:      logger,
		Metrics:     metrics,
		StopTimeout: cfg.StopTimeout(),
	})
	if err != nil {
		fatal(logger, "E_HOST_INIT", err)
	}
	defer host.Close(ctx)

	if err := host.LoadBuiltins(ctx); err != nil {
		fatal(logger, "E_BUILTINS_LOAD", err)
	}
	logger.Info("startup phase", "phase", "builtins_loaded", "count", len(modules.Builtins))

	debounce := time.Duration(cfg.ModuleHost.DebounceMS) * time.Millisecond
	watcher := wasmhost.NewWatcher(cfg.ModuleHost.ModuleDir, host, debounce)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("module watcher failed to start; hot-reload disabled", "dir", cfg.ModuleHost.ModuleDir, "error", err)
	} else {
		logger.Info("startup phase", "phase", "watcher_started", "dir", cfg.ModuleHost.ModuleDir)
	}

	emitter := heartbeat.New(heartbeat.Config{
		AgentID:   agentID,
		AgentName: agentName,
		Bus:       bc,
		Modules:   host,
		Interval:  cfg.HeartbeatInterval(),
		Logger:    logger,
	})

	logger.Info("agent ready", "agent_id", agentID, "agent_name", agentName)
	emitter.Run(ctx)

	logger.Info("shutting down", "agent_id", agentID)
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout())
	defer cancel()
	if err := host.StopAll(stopCtx); err != nil {
		logger.Warn("StopAll did not complete cleanly", "error", err)
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
