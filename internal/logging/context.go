// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if space := SpaceFromContext(ctx); space != "" {
		fields = append(fields, zap.String("space", space))
	}
	if jobID := JobIDFromContext(ctx); jobID != "" {
		fields = append(fields, zap.String("job.id", jobID))
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}

	return fields
}

// Context key types
type spaceCtxKey struct{}
type jobCtxKey struct{}
type sessionCtxKey struct{}

// WithSpace adds the space display name to context for correlation.
func WithSpace(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, spaceCtxKey{}, name)
}

// SpaceFromContext extracts the space name from context.
func SpaceFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(spaceCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithJobID adds an indexing job ID to context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, jobID)
}

// JobIDFromContext extracts the job ID from context.
func JobIDFromContext(ctx context.Context) string {
	if j, ok := ctx.Value(jobCtxKey{}).(string); ok {
		return j
	}
	return ""
}

// WithSessionID adds a chat session ID to context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext extracts the session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
