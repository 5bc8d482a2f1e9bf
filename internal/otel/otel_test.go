package otel

import (
	"context"
	"errors"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected non-nil noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "none",
		ServiceName: "agentui-test",
		SampleRate:  0.5,
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected SDK providers")
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	_ = p.Shutdown(context.Background())
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartServerSpan(context.Background(), p.Tracer, "agentui.dispatch",
		AttrSessionID.String("s1"),
		AttrEvent.String("ui_message"),
	)
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span context")
	}
	_, child := StartSpan(ctx, p.Tracer, "agentui.callback.on_message")
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Fatal("child span is not in the parent's trace")
	}
	EndSpan(child, errors.New("boom"))
	EndSpan(span, nil)
}
