package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/bus/bustest"
	"github.com/fleetward/coordinator/internal/schema"
)

type fakeModuleSource struct {
	modules []schema.ModuleDescriptor
}

func (f fakeModuleSource) RunningModules() []schema.ModuleDescriptor { return f.modules }

func TestEmitterPublishesHeartbeatWithAgentIdentityAndModules(t *testing.T) {
	fake := bustest.New()
	modules := fakeModuleSource{modules: []schema.ModuleDescriptor{
		{Name: "echo", InputSubject: "agent.a1.echo.in", OutputSubject: "agent.a1.echo.out", ErrorSubject: "agent.a1.echo.error"},
	}}

	e := New(Config{
		AgentID:   "a1",
		AgentName: "test-agent",
		Bus:       fake,
		Modules:   modules,
		Interval:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	e.Run(ctx)

	var sawHeartbeat bool
	for _, p := range fake.Published() {
		if p.Subject != bus.SubjectHeartbeat {
			continue
		}
		var doc schema.HeartbeatDocument
		if err := json.Unmarshal(p.Payload, &doc); err != nil {
			t.Fatalf("unmarshal heartbeat: %v", err)
		}
		if doc.Agent.ID != "a1" {
			t.Errorf("agent id = %q, want a1", doc.Agent.ID)
		}
		if len(doc.Agent.Modules) != 1 || doc.Agent.Modules[0].Name != "echo" {
			t.Errorf("expected echo module reflected, got %+v", doc.Agent.Modules)
		}
		sawHeartbeat = true
	}
	if !sawHeartbeat {
		t.Fatalf("expected at least one heartbeat published")
	}
}

func TestEmitterPublishesStoppedNotificationOnCancellation(t *testing.T) {
	fake := bustest.New()
	e := New(Config{
		AgentID:  "a2",
		Bus:      fake,
		Interval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	var sawStopped bool
	for _, p := range fake.Published() {
		if p.Subject != bus.SubjectNotification {
			continue
		}
		sawStopped = true
		var doc stoppedNotification
		if err := json.Unmarshal(p.Payload, &doc); err != nil {
			t.Fatalf("unmarshal stopped notification: %v", err)
		}
		if doc.Agent.ID != "a2" {
			t.Errorf("stopped notification agent id = %q, want a2", doc.Agent.ID)
		}
	}
	if !sawStopped {
		t.Errorf("expected a stopped notification on %s", bus.SubjectNotification)
	}
}

func TestEmitterHandlesNilModuleSourceAndNilBusGracefully(t *testing.T) {
	e := New(Config{AgentID: "a3", Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Millisecond)
	defer cancel()
	e.Run(ctx) // must not panic with Bus == nil, Modules == nil
}
