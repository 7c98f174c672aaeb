package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestStartAndRunStepSuccess(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op := Start(context.Background(), tracer, "update web/0", attribute.String(InstanceKey, "web/0"))
	if err := op.RunStep(op.Context(), "stop", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.End(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended span count = %d, want 2", len(spans))
	}
	root := findSpanByName(spans, "update web/0")
	if root == nil {
		t.Fatal("missing root span")
	}
	if getAttr(root.Attributes(), InstanceKey) != "web/0" {
		t.Errorf("root instance attribute = %q, want web/0", getAttr(root.Attributes(), InstanceKey))
	}
	child := findSpanByName(spans, "stop")
	if child == nil {
		t.Fatal("missing step span")
	}
	if child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatalf("step parent span id = %s, want %s", child.Parent().SpanID(), root.SpanContext().SpanID())
	}
	if len(child.Events()) == 0 || child.Events()[0].Name != StepEventName {
		t.Fatalf("step span events = %v, want %s", child.Events(), StepEventName)
	}
}

func TestRunStepFailureSetsErrorStatus(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op := Start(context.Background(), tracer, "update db/1")

	boom := errors.New("boom")
	err := op.RunStep(op.Context(), "recreate", func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("RunStep() error = %v, want boom", err)
	}
	op.End(err)

	for _, name := range []string{"recreate", "update db/1"} {
		span := findSpanByName(recorder.Ended(), name)
		if span == nil {
			t.Fatalf("missing span %q", name)
		}
		if span.Status().Code != codes.Error {
			t.Fatalf("%s status code = %v, want %v", name, span.Status().Code, codes.Error)
		}
	}
}

func TestNilTracerRunsSteps(t *testing.T) {
	t.Parallel()

	op := Start(context.Background(), nil, "")
	ran := false
	if err := op.RunStep(op.Context(), "apply", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.End(nil)
	if !ran {
		t.Fatal("step did not run")
	}
	if err := op.RunStep(op.Context(), " ", func(context.Context) error { return nil }); err == nil {
		t.Fatal("RunStep() with blank id error = nil")
	}
}

func newTestTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("telemetry-test"), recorder
}

func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func getAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
