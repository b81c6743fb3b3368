package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey string

const (
	userKey    ctxKey = "user_id"
	sessionKey ctxKey = "session_id"
)

// WithUser annotates the context with the acting user for log correlation.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// WithSession annotates the context with a realtime session ID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// FromContext returns the base logger enriched with the trace ID of the
// active span plus any user/session annotations on the context.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := []interface{}{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if userID, ok := ctx.Value(userKey).(string); ok && userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if sessionID, ok := ctx.Value(sessionKey).(string); ok && sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}

	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
