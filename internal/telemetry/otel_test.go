package telemetry

import (
	"context"
	"testing"
)

func TestInitOTelDisabledReturnsNoopProvider(t *testing.T) {
	p, err := InitOTel(context.Background(), OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitOTel: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatalf("expected non-nil no-op tracer/meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitOTelEnabledStdoutExporter(t *testing.T) {
	p, err := InitOTel(context.Background(), OTelConfig{Enabled: true, ServiceName: "coordinator-test"})
	if err != nil {
		t.Fatalf("InitOTel: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatalf("expected a real tracer provider when enabled")
	}

	_, span := p.Tracer.Start(context.Background(), "test-span")
	span.End()
}

func TestNewMetricsRegistersAllInstruments(t *testing.T) {
	p, err := InitOTel(context.Background(), OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitOTel: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.WorkflowsDispatched == nil || m.WorkflowsCompleted == nil || m.WorkflowsFailed == nil {
		t.Fatalf("expected workflow counters to be non-nil")
	}
	m.WorkflowsDispatched.Add(context.Background(), 1)
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	if m == nil {
		t.Fatalf("expected non-nil metrics")
	}
	m.BusDropped.Add(context.Background(), 1)
}
