package shared

import (
	"context"
	"testing"
	"time"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected sentinel for empty context, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc123")
	if got := TraceID(ctx); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestWorkflowIDRoundTrip(t *testing.T) {
	ctx := WithWorkflowID(context.Background(), "wf-1")
	if got := WorkflowID(ctx); got != "wf-1" {
		t.Fatalf("expected wf-1, got %q", got)
	}
	if got := WorkflowID(context.Background()); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestAgentIDRoundTrip(t *testing.T) {
	ctx := WithAgentID(context.Background(), "agent-1")
	if got := AgentID(ctx); got != "agent-1" {
		t.Fatalf("expected agent-1, got %q", got)
	}
}

func TestNewIDUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Fatalf("expected distinct IDs, got %q twice", a)
	}
}

func TestToUTCPromotesNaiveTimestamp(t *testing.T) {
	naive := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	got := ToUTC(naive)
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Hour() != naive.Hour() || got.Minute() != naive.Minute() {
		t.Fatalf("expected wall clock preserved: got %v want %v", got, naive)
	}
}

func TestToUTCIdempotentOnUTC(t *testing.T) {
	now := time.Now().UTC()
	got := ToUTC(now)
	if !got.Equal(now) {
		t.Fatalf("expected unchanged, got %v want %v", got, now)
	}
}

func TestNowUTCIsUTC(t *testing.T) {
	if NowUTC().Location() != time.UTC {
		t.Fatalf("NowUTC must return UTC location")
	}
}
