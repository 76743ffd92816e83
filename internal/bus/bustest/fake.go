// Package bustest provides an in-process fake implementing bus.Conn, used
// by every other package's tests instead of dialing a real NATS broker.
package bustest

import (
	"sync"

	"github.com/fleetward/coordinator/internal/bus"
)

// Fake is a minimal in-process publish/subscribe broker satisfying
// bus.Conn. Delivery is synchronous and direct (no worker pool, no
// network), which is sufficient to exercise the handler-registration and
// dispatch logic of the registry/subscription/workflow packages under
// test.
type Fake struct {
	mu       sync.Mutex
	handlers map[string][]bus.Handler
	log      []Published
}

// Published records one call to Publish for test assertions.
type Published struct {
	Subject string
	Payload []byte
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{handlers: make(map[string][]bus.Handler)}
}

// Publish invokes every handler subscribed to subject synchronously and
// records the call.
func (f *Fake) Publish(subject string, payload []byte) error {
	f.mu.Lock()
	handlers := append([]bus.Handler(nil), f.handlers[subject]...)
	f.log = append(f.log, Published{Subject: subject, Payload: append([]byte(nil), payload...)})
	f.mu.Unlock()

	for _, h := range handlers {
		h(subject, payload)
	}
	return nil
}

// Subscribe registers handler for subject (exact match only; the fake does
// not implement NATS wildcard semantics).
func (f *Fake) Subscribe(subject string, handler bus.Handler) (*bus.Subscription, error) {
	f.mu.Lock()
	f.handlers[subject] = append(f.handlers[subject], handler)
	f.mu.Unlock()
	return &bus.Subscription{Subject: subject}, nil
}

// Published returns a copy of every recorded Publish call.
func (f *Fake) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.log...)
}

// SubscriberCount returns how many handlers are registered for subject.
func (f *Fake) SubscriberCount(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[subject])
}

var _ bus.Conn = (*Fake)(nil)
