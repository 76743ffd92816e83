package schema

import (
	"encoding/json"
	"time"
)

// Agent is the coordinator's in-memory and persisted view of one remote
// agent, built up from its heartbeat stream (§3, §4.4).
type Agent struct {
	ID             string             `json:"id"`
	Hostname       string             `json:"hostname"`
	FirstSeen      time.Time          `json:"first_seen"`
	LastSeen       time.Time          `json:"last_seen"`
	Alive          bool               `json:"alive"`
	HeartbeatCount int64              `json:"heartbeat_count"`
	Capability     CapabilityDocument `json:"capability"`
}

// Workflow states, independent of the per-invocation module state
// constants in schema.go: these are the engine's own lifecycle (§4.6).
const (
	WorkflowRunning   = "RUNNING"
	WorkflowCompleted = "COMPLETED"
	WorkflowFailed    = "FAILED"
)

// Terminal reports whether state is one that never transitions further
// (§8 invariant 2: "no subsequent transition alters their state").
func Terminal(state string) bool {
	return state == WorkflowCompleted || state == WorkflowFailed
}

// Workflow is the immutable-after-creation record of one
// ExecuteModule invocation (§4.6, §4.7: "workflows: keyed by
// workflow_id; immutable after creation").
type Workflow struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	ModuleName string          `json:"module_name"`
	Request    json.RawMessage `json:"request"`
	Untracked  bool            `json:"untracked"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WorkflowState is one append-only entry in a workflow's state history
// (§4.7: "workflow_states: append-only, keyed by (workflow_id, sequence)").
type WorkflowState struct {
	WorkflowID string    `json:"workflow_id"`
	Sequence   int       `json:"sequence"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
