package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestTraceID_Default(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestSessionAndTransportID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" || TransportID(ctx) != "" {
		t.Fatal("expected empty ids")
	}
	ctx = WithTransportID(WithSessionID(ctx, "s1"), "t1")
	if got := SessionID(ctx); got != "s1" {
		t.Fatalf("session = %q", got)
	}
	if got := TransportID(ctx); got != "t1" {
		t.Fatalf("transport = %q", got)
	}
}

func TestLoggerFrom_AddsCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := WithSessionID(WithTraceID(context.Background(), "tr-1"), "s1")

	LoggerFrom(ctx, base).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["trace_id"] != "tr-1" || entry["session_id"] != "s1" {
		t.Fatalf("entry = %#v", entry)
	}
	if _, ok := entry["transport_id"]; ok {
		t.Fatal("transport_id set without a transport in context")
	}
}
