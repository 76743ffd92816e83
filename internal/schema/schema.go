// Package schema defines the wire-level document shapes shared by agents
// and the coordinator: module descriptors, the capability document they
// compose into, and the heartbeat envelope that carries the capability
// document plus host diagnostics (§3 of the specification).
package schema

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// ModuleDescriptor describes one module hosted by an agent: its name, its
// portable input schema, and the three subjects it communicates over.
// Invariant (§3, §8 property 5): InputSubject, OutputSubject, and
// ErrorSubject are all non-empty and pairwise distinct.
type ModuleDescriptor struct {
	Name          string          `json:"name"`
	InputSchema   json.RawMessage `json:"input_schema"`
	InputSubject  string          `json:"input_subject"`
	OutputSubject string          `json:"output_subject"`
	ErrorSubject  string          `json:"error_subject"`
}

// Validate enforces the subject invariant for a single descriptor.
func (d ModuleDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("module descriptor: name must not be empty")
	}
	if d.InputSubject == "" || d.OutputSubject == "" || d.ErrorSubject == "" {
		return fmt.Errorf("module %q: input/output/error subjects must all be non-empty", d.Name)
	}
	if d.InputSubject == d.OutputSubject || d.InputSubject == d.ErrorSubject || d.OutputSubject == d.ErrorSubject {
		return fmt.Errorf("module %q: input/output/error subjects must be pairwise distinct", d.Name)
	}
	return nil
}

// CapabilityDocument is the modules-section of a heartbeat: the
// authoritative manifest for dispatch and subscription decisions.
type CapabilityDocument struct {
	Modules []ModuleDescriptor `json:"modules"`
}

// Validate checks every descriptor and rejects duplicate module names
// within the same document.
func (c CapabilityDocument) Validate() error {
	seen := make(map[string]struct{}, len(c.Modules))
	for _, m := range c.Modules {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("duplicate module name %q in capability document", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

// Module looks up a descriptor by name, reporting whether it was found.
func (c CapabilityDocument) Module(name string) (ModuleDescriptor, bool) {
	for _, m := range c.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleDescriptor{}, false
}

// Fingerprint returns a stable digest of the capability document used to
// detect change cheaply (§4.4 step 3/4: "capability document byte-equals
// the stored one"). Modules are sorted by name first so that reordering
// the same set of descriptors does not look like a change.
func (c CapabilityDocument) Fingerprint() string {
	sorted := make([]ModuleDescriptor, len(c.Modules))
	copy(sorted, c.Modules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	b, _ := json.Marshal(sorted)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

// NetworkInterface mirrors one entry of a heartbeat's network probe.
type NetworkInterface struct {
	Name string   `json:"name"`
	IPv4 []string `json:"ipv4,omitempty"`
	IPv6 []string `json:"ipv6,omitempty"`
	MAC  []string `json:"mac,omitempty"`
}

// AgentBlock is the agent-identity section of a heartbeat document.
type AgentBlock struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Hostname   string             `json:"hostname"`
	PID        int                `json:"pid"`
	Timezone   string             `json:"timezone"`
	User       map[string]string  `json:"user,omitempty"`
	System     map[string]string  `json:"system,omitempty"`
	Interfaces []NetworkInterface `json:"interfaces,omitempty"`
	// Errors holds probe-specific failures (§4.3: "any probe that fails
	// contributes an error field rather than aborting the whole document").
	Errors  map[string]string  `json:"errors,omitempty"`
	Modules []ModuleDescriptor `json:"modules"`
}

// HeartbeatDocument is the self-sufficient document an agent publishes on
// agent.heartbeat_module. A coordinator restarted with empty state can
// rebuild fully from one heartbeat per agent (§3).
type HeartbeatDocument struct {
	Module    string            `json:"module"`
	Timestamp string            `json:"timestamp"` // RFC3339, UTC
	Tags      map[string]string `json:"tags,omitempty"`
	Agent     AgentBlock        `json:"agent"`
}

// Capability extracts the CapabilityDocument view of this heartbeat.
func (h HeartbeatDocument) Capability() CapabilityDocument {
	return CapabilityDocument{Modules: h.Agent.Modules}
}

// StateMessage is published on the canonical per-invocation state subject
// (agent.module.state, §4.2).
type StateMessage struct {
	AgentID      string `json:"agent_id"`
	ModuleName   string `json:"module_name"`
	State        string `json:"state"` // RUNNING | COMPLETED | FAILED
	WorkflowID   string `json:"workflow_id"`
	ErrorMessage string `json:"error_message,omitempty"`
	Details      string `json:"details,omitempty"`
}

// Lifecycle states carried on the state subject.
const (
	StateRunning   = "RUNNING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	// StateStarted is an accepted alias some module implementations emit
	// in place of RUNNING (§4.6 agent-state handler mapping table).
	StateStarted = "STARTED"
	StateError   = "ERROR"
)
