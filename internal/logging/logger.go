package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger

type ctxKey struct{}

// Init initializes the global structured logger writing text to stderr.
func Init(level string) {
	InitWithFormat(level, "text", os.Stderr)
}

// InitWithFormat initializes the global logger with the given level and
// handler format ("text" or "json").
func InitWithFormat(level, format string, w io.Writer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the global logger instance.
func Logger() *slog.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or the global logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return Logger()
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}
