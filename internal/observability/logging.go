// Package observability provides structured logging with trace correlation
// and OpenTelemetry tracing initialization for the engine.
package observability

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// TracedLogger is a structured logger with automatic trace correlation.
// It wraps slog.Logger and stamps every record with the engine component
// name plus the trace and span IDs of the active OpenTelemetry span.
type TracedLogger struct {
	logger    *slog.Logger
	component string
}

// NewTracedLogger creates a TracedLogger writing through the given handler.
// The component name is attached to every log entry.
func NewTracedLogger(handler slog.Handler, component string) *TracedLogger {
	return &TracedLogger{
		logger:    slog.New(handler),
		component: component,
	}
}

// Debug logs a debug-level message with trace correlation.
func (l *TracedLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// Info logs an info-level message with trace correlation.
func (l *TracedLogger) Info(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// Warn logs a warning-level message with trace correlation.
func (l *TracedLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// Error logs an error-level message with trace correlation.
func (l *TracedLogger) Error(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}

// WithContext returns a slog.Logger carrying the component name and, when
// the context holds a recording span, its trace_id and span_id.
func (l *TracedLogger) WithContext(ctx context.Context) *slog.Logger {
	logger := l.logger.With(slog.String("component", l.component))

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		logger = logger.With(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	return logger
}

// Slog exposes the underlying slog.Logger for packages that take one
// directly.
func (l *TracedLogger) Slog() *slog.Logger {
	return l.logger.With(slog.String("component", l.component))
}

// NewJSONHandler creates a JSON log handler with the specified output and
// level. JSON format is the production default.
func NewJSONHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
}

// NewTextHandler creates a human-readable text log handler for development.
func NewTextHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
}

// ParseLevel maps a configured level name to a slog.Level. Unknown names
// default to info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
