// Package modules holds the built-in measurement workers an agent hosts
// out of the box, adapted from the teacher's skill/tool layer and from
// the echo/ping/faulty Python workers the specification distills.
// Workers are constructed with a *shared.ModuleContext instead of the
// original's (agent, nc, logger, shared) tuple (§9 design note).
package modules

import (
	"context"
	"encoding/json"

	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
)

// Worker is the capability set a hosted module implements: `setup`, `run`
// (request/response handling), and a self-describing Descriptor. This is
// the Go-native analogue of the polymorphic "worker class" described in
// §4.2 — the single exported type the module host loads and supervises.
type Worker interface {
	// Descriptor returns the module's self-description for the capability
	// document. Called once at load time; a module's subjects and name
	// must remain stable for its lifetime.
	Descriptor() schema.ModuleDescriptor

	// Setup runs once before the worker starts handling requests. A false
	// return (with no error) means the module declined to activate and
	// should be skipped, not retried.
	Setup(ctx context.Context) (bool, error)

	// Handle processes one request payload and returns the reply body to
	// publish on the output subject. An error is published on the error
	// subject instead and reported as a FAILED state transition.
	Handle(ctx context.Context, mc *shared.ModuleContext, payload []byte) (reply []byte, err error)
}

// Factory constructs a Worker bound to agentID, used by the host to
// instantiate built-ins without each one hardcoding subject names.
type Factory func(agentID string) Worker

// Builtins is the registry of built-in module factories, keyed by module
// name, consulted by the host when no on-disk module directory entry
// overrides them.
var Builtins = map[string]Factory{
	"echo":   func(agentID string) Worker { return newEchoWorker(agentID) },
	"ping":   func(agentID string) Worker { return newPingWorker(agentID) },
	"faulty": func(agentID string) Worker { return newFaultyWorker(agentID) },
}

// decodeEnvelope is a convenience used by the echo handler to pull
// the workflow_id out of an otherwise-opaque JSON payload (§3: "request
// payload ... opaque to the engine except the injected workflow_id
// field").
func decodeEnvelope(payload []byte) (map[string]any, string) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, ""
	}
	id, _ := m["workflow_id"].(string)
	return m, id
}
