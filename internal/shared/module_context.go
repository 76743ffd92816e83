package shared

import (
	"container/list"
	"log/slog"
	"sync"
)

// ModuleContext is the explicit state the module host builds for each
// loaded worker and passes to its Handle calls, replacing the shared
// mutable base-class state of the
// original Python workers (§9 design note: "shared per-agent state held
// inside the worker base class").
type ModuleContext struct {
	AgentID   string
	AgentName string
	Logger    *slog.Logger

	// Publish sends a message to a bus subject. It is a plain function
	// value rather than a bus connection, so shared does not import bus.
	Publish func(subject string, payload []byte) error

	// config holds free-form per-module settings resolved from fleetd.yaml.
	config map[string]string

	seen *SeenSet
}

// NewModuleContext builds a ModuleContext with a bounded dedup window.
func NewModuleContext(agentID, agentName string, logger *slog.Logger, publish func(subject string, payload []byte) error, config map[string]string) *ModuleContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModuleContext{
		AgentID:   agentID,
		AgentName: agentName,
		Logger:    logger,
		Publish:   publish,
		config:    config,
		seen:      NewSeenSet(4096),
	}
}

// Config returns a module-scoped config value, or "" if unset.
func (c *ModuleContext) Config(key string) string {
	return c.config[key]
}

// Seen reports whether workflowID has already been observed by this
// module, and records it. Modules use this to tolerate the coordinator's
// retried `Publish` step (§4.6 step 4, §9 "faulty-module precedent"): the
// same workflow_id may be delivered to input_subject more than once.
func (c *ModuleContext) Seen(workflowID string) bool {
	return c.seen.CheckAndAdd(workflowID)
}

// SeenSet is a bounded LRU of recently observed keys, used for
// at-least-once delivery deduplication without unbounded memory growth.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewSeenSet creates a SeenSet that remembers at most capacity keys.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = 1024
	}
	return &SeenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// CheckAndAdd reports whether key was already present, then marks it seen
// (or refreshes its recency if it was already present).
func (s *SeenSet) CheckAndAdd(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[key]; ok {
		s.order.MoveToFront(el)
		return true
	}

	el := s.order.PushFront(key)
	s.index[key] = el
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(string))
		}
	}
	return false
}

// Len returns the number of keys currently tracked.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
