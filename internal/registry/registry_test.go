package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
)

type memStore struct {
	mu     sync.Mutex
	agents map[string]schema.Agent
}

func newMemStore() *memStore { return &memStore{agents: map[string]schema.Agent{}} }

func (m *memStore) UpsertAgent(ctx context.Context, a schema.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
	return nil
}

func (m *memStore) LoadAgents(ctx context.Context) ([]schema.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out, nil
}

func heartbeatPayload(t *testing.T, agentID string, modules []schema.ModuleDescriptor) []byte {
	t.Helper()
	doc := schema.HeartbeatDocument{
		Module:    "agent.heartbeat_module",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Agent: schema.AgentBlock{
			ID:       agentID,
			Hostname: "host-" + agentID,
			Modules:  modules,
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	return b
}

func echoDescriptor(agentID string) schema.ModuleDescriptor {
	return schema.ModuleDescriptor{
		Name:          "echo",
		InputSubject:  "agent." + agentID + ".echo.in",
		OutputSubject: "agent." + agentID + ".echo.out",
		ErrorSubject:  "agent." + agentID + ".echo.error",
	}
}

func TestIngestCreatesNewAgentAndFiresCapabilityChange(t *testing.T) {
	store := newMemStore()
	var changed []schema.Agent
	r := New(Config{
		Store:             store,
		HeartbeatInterval: 10 * time.Millisecond,
		OnCapabilityChange: func(a schema.Agent) {
			changed = append(changed, a)
		},
	})

	r.Ingest(context.Background(), heartbeatPayload(t, "A1", []schema.ModuleDescriptor{echoDescriptor("A1")}))

	a, ok := r.Get("A1")
	if !ok {
		t.Fatalf("expected agent A1 to be registered")
	}
	if !a.Alive || a.HeartbeatCount != 1 {
		t.Errorf("unexpected agent state: %+v", a)
	}
	if len(changed) != 1 {
		t.Errorf("expected exactly one capability-change callback for a new agent, got %d", len(changed))
	}
}

func TestIngestSameCapabilityOnlyBumpsCounters(t *testing.T) {
	store := newMemStore()
	var changeCount int
	r := New(Config{
		Store:              store,
		OnCapabilityChange: func(schema.Agent) { changeCount++ },
	})

	payload := heartbeatPayload(t, "A1", []schema.ModuleDescriptor{echoDescriptor("A1")})
	for i := 0; i < 3; i++ {
		r.Ingest(context.Background(), payload)
	}

	a, _ := r.Get("A1")
	if a.HeartbeatCount != 3 {
		t.Errorf("heartbeat count = %d, want 3", a.HeartbeatCount)
	}
	if changeCount != 1 {
		t.Errorf("expected exactly one capability-change callback (only on first sighting), got %d", changeCount)
	}
}

func TestIngestCapabilityChangeRetriggersSubscriptionSetup(t *testing.T) {
	store := newMemStore()
	var changeCount int
	r := New(Config{
		Store:              store,
		OnCapabilityChange: func(schema.Agent) { changeCount++ },
	})

	r.Ingest(context.Background(), heartbeatPayload(t, "A1", []schema.ModuleDescriptor{echoDescriptor("A1")}))
	pingDesc := schema.ModuleDescriptor{
		Name: "ping", InputSubject: "agent.A1.ping.in", OutputSubject: "agent.A1.ping.out", ErrorSubject: "agent.A1.ping.error",
	}
	r.Ingest(context.Background(), heartbeatPayload(t, "A1", []schema.ModuleDescriptor{echoDescriptor("A1"), pingDesc}))

	if changeCount != 2 {
		t.Errorf("expected a second capability-change callback after the descriptor set grew, got %d", changeCount)
	}
	a, _ := r.Get("A1")
	if len(a.Capability.Modules) != 2 {
		t.Errorf("expected stored capability to include both modules, got %+v", a.Capability.Modules)
	}
}

func TestLivenessSweeperMarksStaleAgentsNotAlive(t *testing.T) {
	store := newMemStore()
	var died []string
	r := New(Config{
		Store:             store,
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
		OnAgentDied:       func(id string) { died = append(died, id) },
	})
	r.Ingest(context.Background(), heartbeatPayload(t, "A1", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	r.RunLivenessSweeper(ctx)

	a, _ := r.Get("A1")
	if a.Alive {
		t.Errorf("expected A1 to be marked not-alive after exceeding the heartbeat timeout")
	}
	if len(died) == 0 {
		t.Errorf("expected OnAgentDied to fire for A1")
	}
}

func TestSweepOnceMarksAgentNotAliveExactlyAtTimeoutBoundary(t *testing.T) {
	store := newMemStore()
	var died []string
	r := New(Config{
		Store:             store,
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
		OnAgentDied:       func(id string) { died = append(died, id) },
	})
	r.Ingest(context.Background(), heartbeatPayload(t, "A1", nil))

	r.mu.Lock()
	a := r.agents["A1"]
	a.LastSeen = shared.NowUTC().Add(-r.heartbeatTimeout)
	r.agents["A1"] = a
	r.mu.Unlock()

	r.sweepOnce(context.Background())

	got, _ := r.Get("A1")
	if got.Alive {
		t.Errorf("expected an agent exactly at the heartbeat timeout to be marked not-alive on this sweep")
	}
	if len(died) != 1 {
		t.Errorf("expected OnAgentDied to fire exactly once for A1, got %d calls", len(died))
	}
}

func TestHydrateLoadsPersistedAgents(t *testing.T) {
	store := newMemStore()
	store.agents["A9"] = schema.Agent{ID: "A9", Alive: true, HeartbeatCount: 7}

	r := New(Config{Store: store})
	if err := r.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	a, ok := r.Get("A9")
	if !ok || a.HeartbeatCount != 7 {
		t.Errorf("expected hydrated agent A9 with heartbeat_count 7, got %+v (ok=%v)", a, ok)
	}
}

func TestListFiltersByAliveness(t *testing.T) {
	store := newMemStore()
	r := New(Config{Store: store})
	r.Ingest(context.Background(), heartbeatPayload(t, "A1", nil))
	r.Ingest(context.Background(), heartbeatPayload(t, "A2", nil))

	r.mu.Lock()
	a2 := r.agents["A2"]
	a2.Alive = false
	r.agents["A2"] = a2
	r.mu.Unlock()

	if got := len(r.List(FilterAll)); got != 2 {
		t.Errorf("FilterAll len = %d, want 2", got)
	}
	if got := len(r.List(FilterAlive)); got != 1 {
		t.Errorf("FilterAlive len = %d, want 1", got)
	}
	if got := len(r.List(FilterDead)); got != 1 {
		t.Errorf("FilterDead len = %d, want 1", got)
	}
}
