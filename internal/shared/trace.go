// Package shared holds small cross-cutting helpers used by every other
// package: context-propagated trace/workflow identifiers, UTC time
// discipline, and secret redaction for logs.
package shared

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type traceKey struct{}
type workflowKey struct{}
type agentKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithWorkflowID attaches a workflow_id to the context, used by module
// handlers so downstream log lines and dedup checks can find it without
// re-parsing the request payload.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowKey{}, workflowID)
}

// WorkflowID extracts workflow_id from context. Returns "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowKey{}).(string)
	return v
}

// WithAgentID attaches an agent_id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

// AgentID extracts agent_id from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentKey{}).(string)
	return v
}

// NewID mints a new server-unique identifier (a random UUID string).
func NewID() string {
	return uuid.NewString()
}

// NowUTC returns the current time normalized to UTC. All timestamps
// compared or persisted by this system flow through this function so that
// liveness/timeout arithmetic never silently mixes zones.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// ToUTC promotes a timestamp to UTC, treating a naive (zone-less) timestamp
// loaded from persistence as if it were already UTC rather than local time.
// This is the boundary enforcement §9 calls for: reject/repair naive
// timestamps before they participate in liveness or timeout comparisons.
func ToUTC(t time.Time) time.Time {
	if t.Location() == time.UTC {
		return t
	}
	if t.Location() == time.Local {
		// A naive timestamp decoded without zone info defaults to time.Local
		// in Go's time package; treat its wall-clock components as UTC.
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	}
	return t.UTC()
}
