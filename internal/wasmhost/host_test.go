package wasmhost

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/bus/bustest"
	"github.com/fleetward/coordinator/internal/modules"
	"github.com/fleetward/coordinator/internal/schema"
)

func newTestHost(t *testing.T, fake *bustest.Fake) *Host {
	t.Helper()
	h, err := NewHost(context.Background(), Config{
		AgentID:     "agent-1",
		AgentName:   "test-agent",
		Bus:         fake,
		StopTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestLoadBuiltinsStartsAllThree(t *testing.T) {
	fake := bustest.New()
	h := newTestHost(t, fake)

	if err := h.LoadBuiltins(context.Background()); err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	for _, name := range []string{"echo", "ping", "faulty"} {
		if !h.IsRunning(name) {
			t.Errorf("expected %q to be running", name)
		}
	}

	running := h.RunningModules()
	if len(running) != 3 {
		t.Errorf("RunningModules len = %d, want 3", len(running))
	}
}

func TestEchoWorkerRespondsOnBus(t *testing.T) {
	fake := bustest.New()
	h := newTestHost(t, fake)

	worker := modules.Builtins["echo"]("agent-1")
	if err := h.Load(context.Background(), worker); err != nil {
		t.Fatalf("Load: %v", err)
	}

	desc := worker.Descriptor()
	req, _ := json.Marshal(map[string]any{"workflow_id": "wf-1", "value": 42})
	if err := fake.Publish(desc.InputSubject, req); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	published := fake.Published()
	var sawOutput, sawRunningState, sawCompletedState bool
	for _, p := range published {
		if p.Subject == desc.OutputSubject {
			sawOutput = true
		}
		if p.Subject == bus.SubjectModuleState {
			var sm schema.StateMessage
			if err := json.Unmarshal(p.Payload, &sm); err == nil && sm.WorkflowID == "wf-1" {
				if sm.State == schema.StateRunning {
					sawRunningState = true
				}
				if sm.State == schema.StateCompleted {
					sawCompletedState = true
				}
			}
		}
	}
	if !sawOutput {
		t.Errorf("expected a reply on the output subject")
	}
	if !sawRunningState || !sawCompletedState {
		t.Errorf("expected RUNNING then COMPLETED state messages, got running=%v completed=%v", sawRunningState, sawCompletedState)
	}
}

func TestFaultyWorkerCrashIsIsolated(t *testing.T) {
	fake := bustest.New()
	h := newTestHost(t, fake)

	worker := modules.Builtins["faulty"]("agent-1")
	if err := h.Load(context.Background(), worker); err != nil {
		t.Fatalf("Load: %v", err)
	}
	desc := worker.Descriptor()

	req, _ := json.Marshal(map[string]any{"workflow_id": "wf-crash", "message": "boom", "crash": true})
	// Publish must not panic even though the handler crashes internally.
	if err := fake.Publish(desc.InputSubject, req); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(h.Crashes()) == 0 {
		t.Errorf("expected a recorded crash")
	}

	var sawFailedState bool
	for _, p := range fake.Published() {
		if p.Subject == bus.SubjectModuleState {
			var sm schema.StateMessage
			if err := json.Unmarshal(p.Payload, &sm); err == nil && sm.WorkflowID == "wf-crash" && sm.State == schema.StateFailed {
				sawFailedState = true
			}
		}
	}
	if !sawFailedState {
		t.Errorf("expected a FAILED state message for the crashed request")
	}
}

func TestStopReturnsPromptlyWhenWorkerObservesCancellation(t *testing.T) {
	fake := bustest.New()
	h := newTestHost(t, fake)

	worker := modules.Builtins["echo"]("agent-1")
	if err := h.Load(context.Background(), worker); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// The built-in supervised task exits as soon as its context is
	// cancelled, so a normal Stop succeeds well within the bound.
	if err := h.Stop(context.Background(), "echo"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.IsRunning("echo") {
		t.Errorf("expected echo to no longer be running after Stop")
	}
}

func TestReloadStopsThenStartsFreshInstance(t *testing.T) {
	fake := bustest.New()
	h := newTestHost(t, fake)

	first := modules.Builtins["echo"]("agent-1")
	if err := h.Load(context.Background(), first); err != nil {
		t.Fatalf("Load first: %v", err)
	}
	second := modules.Builtins["echo"]("agent-1")
	if err := h.Load(context.Background(), second); err != nil {
		t.Fatalf("Load second (reload): %v", err)
	}
	if !h.IsRunning("echo") {
		t.Errorf("expected echo to be running after reload")
	}
}
