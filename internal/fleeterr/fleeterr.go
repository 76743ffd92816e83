// Package fleeterr defines the structured failure kinds surfaced at the
// public API boundary (§7 of the specification). Each kind is a sentinel
// error; call sites wrap it with fmt.Errorf("...: %w", Kind) so callers can
// still use errors.Is against the sentinel while getting a descriptive
// message.
package fleeterr

import "errors"

var (
	// ErrBusUnavailable is returned when a bus publish/subscribe exhausts
	// its retries.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrAgentUnavailable is returned when ExecuteModule targets an unknown
	// or non-alive agent.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrModuleUnknown is returned when the named module is not present in
	// the agent's capability document.
	ErrModuleUnknown = errors.New("module unknown")

	// ErrSchemaRejected is returned when a request fails input-schema
	// validation.
	ErrSchemaRejected = errors.New("schema rejected")

	// ErrStopTimeout is returned when a worker does not terminate within
	// the bounded stop wait.
	ErrStopTimeout = errors.New("stop timeout")

	// ErrQueueFull is returned when an async execution enqueue hits a
	// saturated queue.
	ErrQueueFull = errors.New("queue full")

	// ErrWorkflowNotFound is returned when a workflow ID is unknown.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrPersistenceUnavailable is returned (logged, non-fatal) when a
	// write-through persistence operation fails.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// Kind classifies an error into one of the structured kinds above, falling
// back to "" when err does not wrap a known sentinel. Useful at API
// adapters (HTTP, RPC) that need to map errors to status codes without
// depending on this package's sentinels directly.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusUnavailable):
		return "BusUnavailable"
	case errors.Is(err, ErrAgentUnavailable):
		return "AgentUnavailable"
	case errors.Is(err, ErrModuleUnknown):
		return "ModuleUnknown"
	case errors.Is(err, ErrSchemaRejected):
		return "SchemaRejected"
	case errors.Is(err, ErrStopTimeout):
		return "StopTimeout"
	case errors.Is(err, ErrQueueFull):
		return "QueueFull"
	case errors.Is(err, ErrWorkflowNotFound):
		return "WorkflowNotFound"
	case errors.Is(err, ErrPersistenceUnavailable):
		return "PersistenceUnavailable"
	default:
		return ""
	}
}
