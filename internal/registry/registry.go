// Package registry implements the coordinator-side Agent Registry
// (§4.4): it consumes heartbeat documents, maintains per-agent liveness,
// and triggers (re)subscription whenever an agent's capability document
// changes. Shape is grounded on the teacher's agent.Registry
// (sync.RWMutex-guarded map[string]*RunningAgent with single-writer
// mutation), generalized from owning live engines to owning heartbeat-
// derived records.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/cron"
	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
	"github.com/fleetward/coordinator/internal/telemetry"
)

// DefaultTimeoutMultiple is applied to the heartbeat interval to derive
// HEARTBEAT_TIMEOUT when not explicitly configured (§4.4: "default 2x
// interval").
const DefaultTimeoutMultiple = 2

// Store is the narrow persistence dependency the registry needs: upsert
// on every mutation, hydrate on startup (§4.7).
type Store interface {
	UpsertAgent(ctx context.Context, agent schema.Agent) error
	LoadAgents(ctx context.Context) ([]schema.Agent, error)
}

// Config controls one Registry instance.
type Config struct {
	Store             Store
	Logger            *slog.Logger
	Metrics           *telemetry.Metrics
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // defaults to 2x HeartbeatInterval

	// OnCapabilityChange fires (synchronously, from the heartbeat
	// handler goroutine) whenever an agent is first seen or its
	// capability document changes, so the subscription manager can
	// (re)install subscriptions (§4.4 steps 2 and 4).
	OnCapabilityChange func(agent schema.Agent)

	// OnAgentDied fires when the liveness sweeper transitions an agent
	// from alive to dead, waking the workflow engine's death sweeper
	// (§4.4: "this transition additionally wakes the workflow sweeper").
	OnAgentDied func(agentID string)
}

// Registry owns the coordinator's map of known agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]schema.Agent

	store   Store
	logger  *slog.Logger
	metrics *telemetry.Metrics

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	onCapabilityChange func(schema.Agent)
	onAgentDied        func(string)
}

// New builds a Registry from cfg.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = DefaultTimeoutMultiple * interval
	}
	return &Registry{
		agents:             make(map[string]schema.Agent),
		store:              cfg.Store,
		logger:             logger,
		metrics:            metrics,
		heartbeatInterval:  interval,
		heartbeatTimeout:   timeout,
		onCapabilityChange: cfg.OnCapabilityChange,
		onAgentDied:        cfg.OnAgentDied,
	}
}

// Hydrate loads every persisted agent record into memory (§4.7:
// "on startup, both the Agent Registry and the Workflow Engine hydrate
// their in-memory caches from these tables").
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	agents, err := r.store.LoadAgents(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		a.FirstSeen = shared.ToUTC(a.FirstSeen)
		a.LastSeen = shared.ToUTC(a.LastSeen)
		r.agents[a.ID] = a
	}
	return nil
}

// Subscribe installs this registry's heartbeat handler on bc, so every
// inbound heartbeat on bus.SubjectHeartbeat runs through Ingest.
func (r *Registry) Subscribe(bc bus.Conn) error {
	_, err := bc.Subscribe(bus.SubjectHeartbeat, func(subject string, payload []byte) {
		r.Ingest(context.Background(), payload)
	})
	return err
}

// Ingest applies one heartbeat document (§4.4 steps 1-4). Malformed
// payloads are logged and discarded; a callback handler must never
// propagate an error to the bus client (§7 propagation policy).
func (r *Registry) Ingest(ctx context.Context, payload []byte) {
	var doc schema.HeartbeatDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		r.logger.Warn("registry: malformed heartbeat payload", "error", err)
		return
	}
	if doc.Agent.ID == "" {
		r.logger.Warn("registry: heartbeat missing agent id")
		return
	}
	capability := doc.Capability()
	if err := capability.Validate(); err != nil {
		r.logger.Warn("registry: rejected heartbeat with invalid capability document", "agent_id", doc.Agent.ID, "error", err)
		return
	}

	now := shared.NowUTC()

	r.mu.Lock()
	existing, found := r.agents[doc.Agent.ID]
	var updated schema.Agent
	var isNew, changed bool

	if !found {
		isNew = true
		updated = schema.Agent{
			ID:             doc.Agent.ID,
			Hostname:       doc.Agent.Hostname,
			FirstSeen:      now,
			LastSeen:       now,
			Alive:          true,
			HeartbeatCount: 1,
			Capability:     capability,
		}
	} else {
		updated = existing
		updated.LastSeen = now
		updated.HeartbeatCount++
		updated.Alive = true
		updated.Hostname = doc.Agent.Hostname
		if existing.Capability.Fingerprint() != capability.Fingerprint() {
			changed = true
			updated.Capability = capability
		}
	}
	r.agents[doc.Agent.ID] = updated
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertAgent(ctx, updated); err != nil {
			r.logger.Warn("registry: failed to persist agent", "agent_id", updated.ID, "error", err)
		}
	}
	if r.metrics != nil && r.metrics.HeartbeatsIngested != nil {
		r.metrics.HeartbeatsIngested.Add(ctx, 1)
	}

	if (isNew || changed) && r.onCapabilityChange != nil {
		r.onCapabilityChange(updated)
	}
}

// Get returns the agent record for id, if known.
func (r *Registry) Get(id string) (schema.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Filter selects which agents List returns.
type Filter int

const (
	FilterAll Filter = iota
	FilterAlive
	FilterDead
)

// List returns every known agent matching filter, sorted by ID is not
// guaranteed (callers needing stable order should sort).
func (r *Registry) List(filter Filter) []schema.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		switch filter {
		case FilterAlive:
			if !a.Alive {
				continue
			}
		case FilterDead:
			if a.Alive {
				continue
			}
		}
		out = append(out, a)
	}
	return out
}

// RunReconciler periodically pulls fresh agent rows from persistence
// and merges them into the in-memory map, for multi-process coordinator
// deployments (§4.7: "a periodic reconciler (≈30s) may pull fresh rows
// from persistence to merge in"), until ctx is cancelled.
func (r *Registry) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	runner := cron.NewRunner()
	if err := runner.Every(interval, func() {
		if err := r.Reconcile(ctx); err != nil {
			r.logger.Warn("registry: reconcile failed", "error", err)
		}
	}); err != nil {
		r.logger.Error("registry: failed to schedule reconciler", "error", err)
		return
	}
	runner.Start()
	defer runner.Stop()
	<-ctx.Done()
}

// Reconcile merges persisted agent rows into the in-memory map.
// Conflict resolution is last-writer-wins by last_seen timestamp;
// ties prefer the record with the higher heartbeat count (§4.7).
func (r *Registry) Reconcile(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	fresh, err := r.store.LoadAgents(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range fresh {
		a.FirstSeen = shared.ToUTC(a.FirstSeen)
		a.LastSeen = shared.ToUTC(a.LastSeen)
		existing, ok := r.agents[a.ID]
		if !ok {
			r.agents[a.ID] = a
			continue
		}
		if a.LastSeen.After(existing.LastSeen) ||
			(a.LastSeen.Equal(existing.LastSeen) && a.HeartbeatCount > existing.HeartbeatCount) {
			r.agents[a.ID] = a
		}
	}
	return nil
}

// RunLivenessSweeper blocks, transitioning any agent whose last_seen has
// exceeded the heartbeat timeout to alive=false, at the heartbeat
// interval cadence (§4.4: "a background sweeper runs at the heartbeat
// interval"), until ctx is cancelled. Scheduled as a fixed-interval cron
// entry rather than a bare ticker.
func (r *Registry) RunLivenessSweeper(ctx context.Context) {
	runner := cron.NewRunner()
	if err := runner.Every(r.heartbeatInterval, func() { r.sweepOnce(ctx) }); err != nil {
		r.logger.Error("registry: failed to schedule liveness sweeper", "error", err)
		return
	}
	runner.Start()
	defer runner.Stop()
	<-ctx.Done()
}

func (r *Registry) sweepOnce(ctx context.Context) {
	now := shared.NowUTC()

	r.mu.Lock()
	var died []schema.Agent
	for id, a := range r.agents {
		if !a.Alive {
			continue
		}
		if now.Sub(a.LastSeen) >= r.heartbeatTimeout {
			a.Alive = false
			r.agents[id] = a
			died = append(died, a)
		}
	}
	r.mu.Unlock()

	for _, a := range died {
		if r.store != nil {
			if err := r.store.UpsertAgent(ctx, a); err != nil {
				r.logger.Warn("registry: failed to persist agent liveness transition", "agent_id", a.ID, "error", err)
			}
		}
		r.logger.Info("registry: agent transitioned to not-alive", "agent_id", a.ID, "last_seen", a.LastSeen)
		if r.onAgentDied != nil {
			r.onAgentDied(a.ID)
		}
	}
}
