package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
)

// faultyWorker mirrors modules/faulty_module.py: a deliberately
// misbehaving module used to exercise the coordinator's failure paths
// (delay, crash, duplicate delivery). Duplicate suppression uses
// mc.Seen instead of the original's per-instance processed_ids set,
// since the context's SeenSet is already bounded and kept per loaded
// module instance.
type faultyWorker struct {
	agentID    string
	descriptor schema.ModuleDescriptor
}

type faultyQuery struct {
	Message    string `json:"message"`
	DelaySec   int    `json:"delay"`
	Crash      bool   `json:"crash"`
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
}

func newFaultyWorker(agentID string) *faultyWorker {
	in, out, errSubj := bus.ModuleIOSubjects(agentID, "faulty")
	return &faultyWorker{
		agentID: agentID,
		descriptor: schema.ModuleDescriptor{
			Name:          "faulty",
			InputSchema:   json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
			InputSubject:  in,
			OutputSubject: out,
			ErrorSubject:  errSubj,
		},
	}
}

func (w *faultyWorker) Descriptor() schema.ModuleDescriptor { return w.descriptor }

func (w *faultyWorker) Setup(ctx context.Context) (bool, error) { return true, nil }

func (w *faultyWorker) Handle(ctx context.Context, mc *shared.ModuleContext, payload []byte) ([]byte, error) {
	var q faultyQuery
	if err := json.Unmarshal(payload, &q); err != nil {
		return nil, fmt.Errorf("decode faulty query: %w", err)
	}

	if q.DelaySec > 0 {
		select {
		case <-time.After(time.Duration(q.DelaySec) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if q.Crash {
		panic("intentional crash triggered")
	}

	if q.ID != "" && mc.Seen(q.ID) {
		return nil, fmt.Errorf("duplicate message ignored: %s", q.ID)
	}

	out := map[string]any{
		"from_module":  w.descriptor.Name,
		"processed_at": shared.NowUTC().Unix(),
		"input":        q.Message,
		"workflow_id":  q.WorkflowID,
	}
	return json.Marshal(out)
}
