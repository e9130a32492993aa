package logger

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithLogger returns a context carrying l, typically a request-scoped
// logger with attributes already attached.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger carried by ctx, or the global logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return Get()
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	logContext(ctx, slog.LevelInfo, msg, args)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	logContext(ctx, slog.LevelWarn, msg, args)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	logContext(ctx, slog.LevelError, msg, args)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	logContext(ctx, slog.LevelDebug, msg, args)
}

func logContext(ctx context.Context, level slog.Level, msg string, args []any) {
	FromContext(ctx).Log(ctx, level, msg, args...)
}
