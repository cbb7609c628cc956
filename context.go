package podflow

import (
	"context"
	"io"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey ContextKey = "logger"
)

// WithLogger returns a context carrying the logger handlers should use.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// GetLoggerFromContext returns the logger stored by WithLogger.
func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

// LoggerFromContext returns the logger stored by WithLogger, or a logger
// that discards everything.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
