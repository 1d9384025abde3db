package logging

import (
	"context"
	"log/slog"
)

// Logger wraps slog for structured audit logging of bus calls.
type Logger struct {
	*slog.Logger
	service string
}

// New creates an audit logger for the named service on top of the default
// slog logger.
func New(service string) *Logger {
	return &Logger{
		Logger:  slog.Default(),
		service: service,
	}
}

// WithLogger returns a copy of l writing to base.
func (l *Logger) WithLogger(base *slog.Logger) *Logger {
	return &Logger{
		Logger:  base,
		service: l.service,
	}
}

// LogMethod logs a D-Bus method call with its result.
func (l *Logger) LogMethod(ctx context.Context, method string, args map[string]any, result string, err error) {
	attrs := []slog.Attr{
		slog.String("service", l.service),
		slog.String("method", method),
		slog.String("result", result),
	}
	for k, v := range args {
		attrs = append(attrs, slog.Any(k, v))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.LogAttrs(ctx, slog.LevelDebug, "dbus_call", attrs...)
}
