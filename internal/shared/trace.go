package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type transportIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithTransportID(ctx context.Context, transportID string) context.Context {
	return context.WithValue(ctx, transportIDKey{}, transportID)
}

func TransportID(ctx context.Context) string {
	if v, ok := ctx.Value(transportIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LoggerFrom returns base annotated with the correlation ids carried by ctx.
func LoggerFrom(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	l := base.With("trace_id", TraceID(ctx))
	if id := SessionID(ctx); id != "" {
		l = l.With("session_id", id)
	}
	if id := TransportID(ctx); id != "" {
		l = l.With("transport_id", id)
	}
	return l
}
