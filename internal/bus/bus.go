// Package bus wraps the NATS client with the narrow contract this system
// needs (§4.1/§6): connect with a reconnect policy, publish, subscribe with
// a callback, and drain on shutdown. Callback dispatch is bounded so a slow
// or wedged handler can never block the bus's own read loop.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetward/coordinator/internal/fleeterr"
	"github.com/nats-io/nats.go"
)

const defaultWorkerPoolSize = 64
const defaultWorkerQueueDepth = 1024

// Handler is invoked for every message delivered to a subscription. It must
// never block for long; Client recovers from handler panics and logs them
// (§7: "callback handlers on subscription never propagate exceptions to the
// bus client").
type Handler func(subject string, payload []byte)

// ReconnectPolicy controls how Connect retries an initial connection and
// how the underlying client reconnects after a drop.
type ReconnectPolicy struct {
	MaxAttempts    int // 0 = retry forever
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 200 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	return p
}

// Subscription tracks one active subscription for bookkeeping (Drain,
// introspection). The subscription manager (C5) keeps its own higher-level
// tracking on top of this.
type Subscription struct {
	Subject string
	sub     *nats.Subscription
}

// Unsubscribe cancels delivery for this subscription. Not required by the
// subscription manager's idempotent-setup model (§4.5: the bus model
// tolerates duplicate subscriptions), but provided for callers that do want
// to shed a subject, such as tests.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Client is a thin, crash-isolated wrapper over a NATS connection.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger

	jobs   chan job
	poolWG sync.WaitGroup

	droppedMessages atomic.Int64
	lastDropWarning atomic.Int64

	mu   sync.Mutex
	subs []*Subscription
}

type job struct {
	subject string
	payload []byte
	handler Handler
}

// Connect dials the bus, starting a bounded worker pool for callback
// dispatch. It fails with ErrBusUnavailable after the reconnect policy's
// initial-connect retries are exhausted.
func Connect(servers []string, name string, policy ReconnectPolicy) (*Client, error) {
	return ConnectWithLogger(servers, name, policy, nil)
}

// ConnectWithLogger is Connect with an explicit logger for observability.
func ConnectWithLogger(servers []string, name string, policy ReconnectPolicy, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy = policy.normalized()

	c := &Client{
		logger: logger,
		jobs:   make(chan job, defaultWorkerQueueDepth),
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(policy.InitialBackoff),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			// NATS re-arms prior Subscribe calls transparently on reconnect
			// (§4.1: "previously established subscriptions must be
			// re-armed by the client transparently"); this handler only
			// logs the event for operators.
			c.logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("bus connection closed")
		}),
	}
	if policy.MaxAttempts > 0 {
		opts = append(opts, nats.MaxReconnects(policy.MaxAttempts))
	} else {
		opts = append(opts, nats.MaxReconnects(-1))
	}

	var conn *nats.Conn
	backoff := policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		var err error
		conn, err = nats.Connect(joinURLs(servers), opts...)
		if err == nil {
			break
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return nil, fmt.Errorf("connect to bus after %d attempt(s): %w: %w", attempt, fleeterr.ErrBusUnavailable, err)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	c.conn = conn

	c.startWorkerPool(defaultWorkerPoolSize)
	return c, nil
}

func joinURLs(servers []string) string {
	out := ""
	for i, s := range servers {
		if i > 0 {
			out += ","
		}
		out += s
	}
	if out == "" {
		return nats.DefaultURL
	}
	return out
}

func (c *Client) startWorkerPool(n int) {
	for i := 0; i < n; i++ {
		c.poolWG.Add(1)
		go func() {
			defer c.poolWG.Done()
			for j := range c.jobs {
				c.runJob(j)
			}
		}()
	}
}

func (c *Client) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("bus handler panicked", "subject", j.subject, "panic", r)
		}
	}()
	j.handler(j.subject, j.payload)
}

// Publish sends bytes to subject. It returns ErrBusUnavailable if the
// connection is not currently usable; the caller decides whether to retry
// (§4.1).
func (c *Client) Publish(subject string, payload []byte) error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("publish to %s: %w", subject, fleeterr.ErrBusUnavailable)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w: %w", subject, fleeterr.ErrBusUnavailable, err)
	}
	return nil
}

// Subscribe arms handler for every message matching subject (which may
// contain NATS wildcards). Dispatch is always asynchronous and bounded: if
// the worker pool's queue is full, the message is dropped and a warning is
// logged at exponential thresholds (§4.1 backpressure; §5 "Bus-client
// worker pool drops messages on saturation with a metric").
func (c *Client) Subscribe(subject string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	natsSub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case c.jobs <- job{subject: msg.Subject, payload: msg.Data, handler: handler}:
		default:
			newCount := c.droppedMessages.Add(1)
			c.maybeLogDropWarning(newCount, msg.Subject)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w: %w", subject, fleeterr.ErrBusUnavailable, err)
	}

	sub := &Subscription{Subject: subject, sub: natsSub}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// Drain flushes pending publishes, stops delivering to subscriptions, waits
// for in-flight handler dispatches to finish, and closes the connection.
func (c *Client) Drain() error {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.logger.Warn("bus drain error", "error", err)
		}
		for !c.conn.IsClosed() {
			time.Sleep(10 * time.Millisecond)
		}
	}
	close(c.jobs)
	c.poolWG.Wait()
	return nil
}

// DroppedMessageCount returns the total number of messages dropped due to a
// saturated worker pool.
func (c *Client) DroppedMessageCount() int64 {
	return c.droppedMessages.Load()
}

// ConnectedURL returns the currently connected server URL, or "" if not
// connected.
func (c *Client) ConnectedURL() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.ConnectedUrl()
}

func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (c *Client) maybeLogDropWarning(newCount int64, subject string) {
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := c.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if c.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		c.logger.Warn("bus_dropped_messages_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("subject", subject),
		)
	}
}
