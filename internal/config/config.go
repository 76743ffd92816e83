// Package config loads process configuration from environment variables
// overlaid on an optional fleetd.yaml file, the way the teacher layers
// config.yaml under GOCLAW_* env overrides: env wins, the file supplies
// defaults for anything unset, and every field has a built-in fallback so
// a bare `coordinator` invocation with no files at all still starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BusConfig holds the NATS server URLs and worker-pool settings for the
// bus client (C1). Only URLs reaches bus.Connect; the worker pool that
// dispatches inbound messages uses the bus package's fixed pool size and
// queue depth, so WorkerCount, QueueDepth and DropThreshold have no effect.
type BusConfig struct {
	URLs          []string `yaml:"urls"`
	WorkerCount   int      `yaml:"worker_count"`
	QueueDepth    int      `yaml:"queue_depth"`
	DropThreshold int      `yaml:"drop_log_threshold"`
}

// PersistenceConfig controls the durable store (C7).
type PersistenceConfig struct {
	DSN                  string `yaml:"dsn"`
	ReconcileIntervalSec int    `yaml:"reconcile_interval_seconds"`
}

// SweeperConfig holds interval settings for the liveness and death
// sweepers. The composition roots do not read it: the liveness sweeper
// runs at the heartbeat interval, the death sweeper at the workflow
// engine's default, and reconciliation at ReconcileIntervalSec.
type SweeperConfig struct {
	LivenessIntervalSec int `yaml:"liveness_interval_seconds"`
	DeathIntervalSec    int `yaml:"death_interval_seconds"`
}

// HeartbeatConfig controls the agent-side emitter (C3).
type HeartbeatConfig struct {
	IntervalSec int `yaml:"interval_seconds"`
}

// ModuleHostConfig controls the wazero-backed module host (C2).
type ModuleHostConfig struct {
	ModuleDir      string `yaml:"module_dir"`
	DebounceMS     int    `yaml:"debounce_ms"`
	StopTimeoutSec int    `yaml:"stop_timeout_seconds"`
}

// SubscriptionConfig controls C5's retry policy when (re)establishing a
// subscription set for an agent.
type SubscriptionConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffBaseMS     int     `yaml:"backoff_base_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// WorkflowConfig controls C6's publish-retry and queueing behavior.
type WorkflowConfig struct {
	PublishRetries int `yaml:"publish_retries"`
	QueueDepth     int `yaml:"queue_depth"`
}

// TelegramConfig controls the optional diagnostic notification bridge.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// OTelConfigYAML mirrors telemetry.OTelConfig in a YAML-friendly shape.
type OTelConfigYAML struct {
	Enabled       bool    `yaml:"enabled"`
	TraceEndpoint string  `yaml:"trace_endpoint"`
	SampleRate    float64 `yaml:"sample_rate"`
}

// Config is the fully resolved process configuration, shared by the
// coordinator and agent entry points (they use disjoint subsets of it).
type Config struct {
	HomeDir  string `yaml:"-"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Bus          BusConfig          `yaml:"bus"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Sweepers     SweeperConfig      `yaml:"sweepers"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	ModuleHost   ModuleHostConfig   `yaml:"module_host"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	OTel         OTelConfigYAML     `yaml:"otel"`

	AgentID string `yaml:"agent_id"`
}

// ConfigPath returns the path to fleetd.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "fleetd.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Bus: BusConfig{
			URLs:          []string{"nats://127.0.0.1:4222"},
			WorkerCount:   16,
			QueueDepth:    256,
			DropThreshold: 100,
		},
		Persistence: PersistenceConfig{
			DSN:                  "fleetd.db",
			ReconcileIntervalSec: 30,
		},
		Sweepers: SweeperConfig{
			LivenessIntervalSec: 10,
			DeathIntervalSec:    30,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSec: 3,
		},
		ModuleHost: ModuleHostConfig{
			ModuleDir:      "./modules",
			DebounceMS:     150,
			StopTimeoutSec: 20,
		},
		Subscription: SubscriptionConfig{
			MaxAttempts:       5,
			BackoffBaseMS:     200,
			BackoffMultiplier: 2.0,
		},
		Workflow: WorkflowConfig{
			PublishRetries: 3,
			QueueDepth:     256,
		},
	}
}

// HomeDir resolves the process home directory: FLEETD_HOME if set,
// otherwise ~/.fleetd.
func HomeDir() string {
	if override := os.Getenv("FLEETD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetd")
}

// Load resolves Config from defaults, an optional fleetd.yaml file under
// HomeDir, and environment variable overrides, in that order of
// increasing precedence.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fleetd home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read fleetd.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse fleetd.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Bus.URLs) == 0 {
		cfg.Bus.URLs = []string{"nats://127.0.0.1:4222"}
	}
	if cfg.Bus.WorkerCount <= 0 {
		cfg.Bus.WorkerCount = 16
	}
	if cfg.Bus.QueueDepth <= 0 {
		cfg.Bus.QueueDepth = 256
	}
	if cfg.Bus.DropThreshold <= 0 {
		cfg.Bus.DropThreshold = 100
	}
	if cfg.Persistence.DSN == "" {
		cfg.Persistence.DSN = "fleetd.db"
	}
	if cfg.Persistence.ReconcileIntervalSec <= 0 {
		cfg.Persistence.ReconcileIntervalSec = 30
	}
	if cfg.Sweepers.LivenessIntervalSec <= 0 {
		cfg.Sweepers.LivenessIntervalSec = 10
	}
	if cfg.Sweepers.DeathIntervalSec <= 0 {
		cfg.Sweepers.DeathIntervalSec = 30
	}
	if cfg.Heartbeat.IntervalSec <= 0 {
		cfg.Heartbeat.IntervalSec = 3
	}
	if cfg.ModuleHost.ModuleDir == "" {
		cfg.ModuleHost.ModuleDir = "./modules"
	}
	if cfg.ModuleHost.DebounceMS <= 0 {
		cfg.ModuleHost.DebounceMS = 150
	}
	if cfg.ModuleHost.StopTimeoutSec <= 0 {
		cfg.ModuleHost.StopTimeoutSec = 20
	}
	if cfg.Subscription.MaxAttempts <= 0 {
		cfg.Subscription.MaxAttempts = 5
	}
	if cfg.Subscription.BackoffBaseMS <= 0 {
		cfg.Subscription.BackoffBaseMS = 200
	}
	if cfg.Subscription.BackoffMultiplier <= 0 {
		cfg.Subscription.BackoffMultiplier = 2.0
	}
	if cfg.Workflow.PublishRetries <= 0 {
		cfg.Workflow.PublishRetries = 3
	}
	if cfg.Workflow.QueueDepth <= 0 {
		cfg.Workflow.QueueDepth = 256
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("NATS_URL"); raw != "" {
		cfg.Bus.URLs = splitCSV(raw)
	}
	if raw := os.Getenv("FLEETD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FLEETD_QUIET"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Quiet = v
		}
	}
	if raw := os.Getenv("FLEETD_SQLITE_DSN"); raw != "" {
		cfg.Persistence.DSN = raw
	}
	if raw := os.Getenv("FLEETD_AGENT_ID"); raw != "" {
		cfg.AgentID = raw
	}
	if raw := os.Getenv("FLEETD_MODULE_DIR"); raw != "" {
		cfg.ModuleHost.ModuleDir = raw
	}
	if raw := os.Getenv("FLEETD_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Heartbeat.IntervalSec = v
		}
	}
	if raw := os.Getenv("OTLP_TRACE_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.TraceEndpoint = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StopTimeout returns the module host's stop grace period as a Duration.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.ModuleHost.StopTimeoutSec) * time.Second
}

// HeartbeatInterval returns the heartbeat emission interval as a Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSec) * time.Second
}
