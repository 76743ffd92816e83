package modules

import (
	"context"
	"encoding/json"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
)

// echoWorker mirrors modules/echo_module.py: it decodes the payload,
// stamps it with processed_at/from_module, and echoes it back unchanged
// otherwise. Useful as a liveness probe for the whole dispatch path.
type echoWorker struct {
	agentID    string
	descriptor schema.ModuleDescriptor
}

func newEchoWorker(agentID string) *echoWorker {
	in, out, errSubj := bus.ModuleIOSubjects(agentID, "echo")
	return &echoWorker{
		agentID: agentID,
		descriptor: schema.ModuleDescriptor{
			Name:          "echo",
			InputSchema:   json.RawMessage(`{"type":"object"}`),
			InputSubject:  in,
			OutputSubject: out,
			ErrorSubject:  errSubj,
		},
	}
}

func (w *echoWorker) Descriptor() schema.ModuleDescriptor { return w.descriptor }

func (w *echoWorker) Setup(ctx context.Context) (bool, error) { return true, nil }

func (w *echoWorker) Handle(ctx context.Context, mc *shared.ModuleContext, payload []byte) ([]byte, error) {
	m, _ := decodeEnvelope(payload)
	if m == nil {
		m = map[string]any{}
	}
	m["processed_at"] = shared.NowUTC().Unix()
	m["from_module"] = w.descriptor.Name
	return json.Marshal(m)
}
