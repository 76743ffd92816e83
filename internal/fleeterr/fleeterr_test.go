package fleeterr

import (
	"fmt"
	"testing"
)

func TestKindMapsWrappedSentinels(t *testing.T) {
	wrapped := fmt.Errorf("dispatch to agent-1: %w", ErrAgentUnavailable)
	if got := Kind(wrapped); got != "AgentUnavailable" {
		t.Fatalf("expected AgentUnavailable, got %q", got)
	}
}

func TestKindUnknownError(t *testing.T) {
	if got := Kind(fmt.Errorf("boom")); got != "" {
		t.Fatalf("expected empty kind for unrecognized error, got %q", got)
	}
}

func TestKindNil(t *testing.T) {
	if got := Kind(nil); got != "" {
		t.Fatalf("expected empty kind for nil error, got %q", got)
	}
}
