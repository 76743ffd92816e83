package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
)

// pingQuery mirrors PingQuery from modules/ping_module.py, minus the
// pydantic validation layer.
type pingQuery struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Count      int    `json:"count"`
	WorkflowID string `json:"workflow_id"`
}

type pingResult struct {
	Address         string    `json:"address"`
	RTTsMillis      []float64 `json:"rtts"`
	PacketsSent     int       `json:"packets_sent"`
	PacketsReceived int       `json:"packets_received"`
}

// pingWorker measures reachability via a TCP connect/shutdown round trip,
// the same fallback the original takes (modules/tcping.py) when an ICMP
// socket isn't available — unprivileged TCP connect is the only portable
// option without a raw-socket library in the dependency set, so this
// path is the worker's only mode rather than a fallback.
type pingWorker struct {
	agentID    string
	descriptor schema.ModuleDescriptor
}

func newPingWorker(agentID string) *pingWorker {
	in, out, errSubj := bus.ModuleIOSubjects(agentID, "ping")
	return &pingWorker{
		agentID: agentID,
		descriptor: schema.ModuleDescriptor{
			Name: "ping",
			InputSchema: json.RawMessage(`{
				"type":"object",
				"properties":{"host":{"type":"string"},"port":{"type":"integer"},"count":{"type":"integer"}},
				"required":["host"]
			}`),
			InputSubject:  in,
			OutputSubject: out,
			ErrorSubject:  errSubj,
		},
	}
}

func (w *pingWorker) Descriptor() schema.ModuleDescriptor { return w.descriptor }

func (w *pingWorker) Setup(ctx context.Context) (bool, error) { return true, nil }

func (w *pingWorker) Handle(ctx context.Context, mc *shared.ModuleContext, payload []byte) ([]byte, error) {
	var q pingQuery
	if err := json.Unmarshal(payload, &q); err != nil {
		return nil, fmt.Errorf("decode ping query: %w", err)
	}
	if q.Host == "" {
		return nil, fmt.Errorf("ping query: host is required")
	}
	if q.Count <= 0 {
		q.Count = 3
	}
	if q.Port <= 0 {
		q.Port = 80
	}

	result := pingResult{Address: q.Host, PacketsSent: q.Count}
	for i := 0; i < q.Count; i++ {
		start := time.Now()
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", q.Host, q.Port), 5*time.Second)
		if err != nil {
			continue
		}
		elapsed := time.Since(start)
		_ = conn.Close()
		result.RTTsMillis = append(result.RTTsMillis, float64(elapsed.Microseconds())/1000.0)
		result.PacketsReceived++
	}

	out := map[string]any{
		"workflow_id":      q.WorkflowID,
		"address":          result.Address,
		"rtts":             result.RTTsMillis,
		"packets_sent":     result.PacketsSent,
		"packets_received": result.PacketsReceived,
	}
	return json.Marshal(out)
}
