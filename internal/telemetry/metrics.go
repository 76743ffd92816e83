package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the counters/histograms shared across the coordinator and
// agent processes. Every instrument is created once against a Provider's
// Meter and handed down by reference, never looked up by global name.
type Metrics struct {
	WorkflowsDispatched metric.Int64Counter
	WorkflowsCompleted  metric.Int64Counter
	WorkflowsFailed     metric.Int64Counter
	WorkflowDuration    metric.Float64Histogram

	BusDropped   metric.Int64Counter
	BusPublished metric.Int64Counter

	HeartbeatsIngested metric.Int64Counter
	SubscriptionSetups metric.Int64Counter

	SweeperTicks metric.Int64Counter
}

// NewMetrics registers the fixed instrument set against meter. Instrument
// creation only fails on duplicate registration, which cannot happen here
// since this is called exactly once per Provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.WorkflowsDispatched, err = meter.Int64Counter("fleetward.workflows.dispatched",
		metric.WithDescription("workflows handed to an agent for execution")); err != nil {
		return nil, fmt.Errorf("workflows.dispatched: %w", err)
	}
	if m.WorkflowsCompleted, err = meter.Int64Counter("fleetward.workflows.completed",
		metric.WithDescription("workflows that reached COMPLETED")); err != nil {
		return nil, fmt.Errorf("workflows.completed: %w", err)
	}
	if m.WorkflowsFailed, err = meter.Int64Counter("fleetward.workflows.failed",
		metric.WithDescription("workflows that reached FAILED")); err != nil {
		return nil, fmt.Errorf("workflows.failed: %w", err)
	}
	if m.WorkflowDuration, err = meter.Float64Histogram("fleetward.workflows.duration_seconds",
		metric.WithDescription("wall-clock time from RUNNING to a terminal state"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("workflows.duration_seconds: %w", err)
	}

	if m.BusDropped, err = meter.Int64Counter("fleetward.bus.dropped",
		metric.WithDescription("messages dropped because the worker pool was saturated")); err != nil {
		return nil, fmt.Errorf("bus.dropped: %w", err)
	}
	if m.BusPublished, err = meter.Int64Counter("fleetward.bus.published",
		metric.WithDescription("messages successfully published to the bus")); err != nil {
		return nil, fmt.Errorf("bus.published: %w", err)
	}

	if m.HeartbeatsIngested, err = meter.Int64Counter("fleetward.heartbeats.ingested",
		metric.WithDescription("heartbeat documents processed by the agent registry")); err != nil {
		return nil, fmt.Errorf("heartbeats.ingested: %w", err)
	}
	if m.SubscriptionSetups, err = meter.Int64Counter("fleetward.subscriptions.setup",
		metric.WithDescription("subscription (re)establishments triggered by a capability change")); err != nil {
		return nil, fmt.Errorf("subscriptions.setup: %w", err)
	}

	if m.SweeperTicks, err = meter.Int64Counter("fleetward.sweeper.ticks",
		metric.WithDescription("workflow death-sweeper iterations")); err != nil {
		return nil, fmt.Errorf("sweeper.ticks: %w", err)
	}

	return m, nil
}

// NoopMetrics returns a Metrics bundle wired to a no-op meter, for call
// sites (tests, one-off tools) that need a non-nil *Metrics without
// standing up a full Provider.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noopMeter())
	if err != nil {
		// Registration against the no-op meter cannot fail; a panic here
		// would indicate an instrument name typo caught at init time.
		panic(fmt.Sprintf("telemetry: noop metrics: %v", err))
	}
	return m
}

func noopMeter() metric.Meter {
	p, _ := InitOTel(context.Background(), OTelConfig{Enabled: false})
	return p.Meter
}
