package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledWithoutEndpoint(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Enabled() {
		t.Fatalf("expected tracing disabled")
	}
	_, span := p.Tracer().Start(context.Background(), "noop")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := NewWithExporter(context.Background(), Config{ServiceName: "redq-test"}, exp)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "redelivery.decide")
	span.End()
	defer p.Shutdown(context.Background())
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "redelivery.decide" {
		t.Fatalf("spans = %v", spans.Snapshots())
	}
}
