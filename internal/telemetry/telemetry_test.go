package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_RequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewTracerProviderWithExporter_EmitsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()

	tp, shutdown, err := newTracerProviderWithExporter(exp, Config{ServiceName: "operator", ServiceVersion: "v0"})
	if err != nil {
		t.Fatalf("new tracer provider: %v", err)
	}

	tr := tp.Tracer("test")
	_, sp := tr.Start(context.Background(), "queue.tick")
	sp.End()

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == attribute.Key("service.name") && kv.Value.AsString() == "operator" {
			found = true
		}
	}
	if !found {
		t.Fatalf("service.name resource attribute missing")
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStartUsesGlobalProvider(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, shutdown, err := newTracerProviderWithExporter(exp, Config{ServiceName: "operator"})
	if err != nil {
		t.Fatalf("new tracer provider: %v", err)
	}
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = shutdown(context.Background())
	})

	_, sp := Start(context.Background(), "agent.launch", attribute.String("ticket", "FEAT-1"))
	RecordError(sp, errors.New("boom"))
	sp.End()
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "agent.launch" {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
}
