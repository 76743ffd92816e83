// Package subscription implements the coordinator-side Subscription
// Manager (§4.5): for each known agent it maintains the set of bus
// subjects the coordinator listens on for that agent's results, and
// installs the common result handler on each. Setup is idempotent and
// retried with exponential backoff, grounded on the teacher's
// engine.failover retry-with-backoff shape.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/telemetry"
)

// Config controls retry behaviour and dependencies for one Manager.
type Config struct {
	Bus               bus.Conn
	Logger            *slog.Logger
	Metrics           *telemetry.Metrics
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	// Handler is installed on every subject in an agent's target set
	// (§4.5: "each subscription installs the common result handler").
	Handler bus.Handler
}

// Manager tracks, per agent, the subject set currently subscribed.
type Manager struct {
	bc      bus.Conn
	logger  *slog.Logger
	metrics *telemetry.Metrics
	handler bus.Handler

	maxAttempts       int
	backoffBase       time.Duration
	backoffMultiplier float64

	mu      sync.Mutex
	tracked map[string]map[string]struct{} // agent_id -> subject set
}

// New builds a Manager from cfg, applying defaults matching §4.5's
// stated retry policy (5 attempts, exponential backoff factor 2).
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	return &Manager{
		bc:                cfg.Bus,
		logger:            logger,
		metrics:           metrics,
		handler:           cfg.Handler,
		maxAttempts:       maxAttempts,
		backoffBase:       backoffBase,
		backoffMultiplier: multiplier,
		tracked:           make(map[string]map[string]struct{}),
	}
}

// TargetSubjects computes the subject set an agent's subscriptions must
// cover (§4.5, §8 invariant 6): `{agent.<id>.out} ∪ {desc.output_subject
// for each module}`.
func TargetSubjects(agentID string, capability schema.CapabilityDocument) []string {
	out := make([]string, 0, len(capability.Modules)+1)
	out = append(out, bus.AgentOutSubject(agentID))
	for _, m := range capability.Modules {
		out = append(out, m.OutputSubject)
	}
	return out
}

// Setup installs (or reinstalls) subscriptions for agent covering
// TargetSubjects(agentID, capability). It is idempotent: the tracked
// set for agentID is replaced wholesale, never accumulated across calls
// (§4.5: "if called again for the same agent, previously-tracked
// subjects are forgotten... the tracking set must not grow
// unboundedly"). Subscription is retried with exponential backoff;
// success requires every target subject to subscribe without error.
func (m *Manager) Setup(ctx context.Context, agentID string, capability schema.CapabilityDocument) error {
	subjects := TargetSubjects(agentID, capability)

	var lastErr error
	delay := m.backoffBase
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := m.subscribeAll(subjects); err != nil {
			lastErr = err
			m.logger.Warn("subscription: setup attempt failed", "agent_id", agentID, "attempt", attempt, "error", err)
			if attempt == m.maxAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * m.backoffMultiplier)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("subscription: setup for agent %q failed after %d attempts: %w", agentID, m.maxAttempts, lastErr)
	}

	m.mu.Lock()
	set := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		set[s] = struct{}{}
	}
	m.tracked[agentID] = set
	m.mu.Unlock()

	if m.metrics != nil && m.metrics.SubscriptionSetups != nil {
		m.metrics.SubscriptionSetups.Add(ctx, 1)
	}
	return nil
}

func (m *Manager) subscribeAll(subjects []string) error {
	if m.bc == nil {
		return fmt.Errorf("subscription: no bus connection configured")
	}
	for _, subj := range subjects {
		if _, err := m.bc.Subscribe(subj, m.handler); err != nil {
			return fmt.Errorf("subscribe %q: %w", subj, err)
		}
	}
	return nil
}

// Tracked returns a copy of the subject set currently tracked for
// agentID, for tests and diagnostics.
func (m *Manager) Tracked(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.tracked[agentID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
