package skydrift

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with skydrift-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that writes JSON-formatted logs to w.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(w *os.File, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithStage adds a pipeline stage field to the logger.
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{
		Logger: l.Logger.With("stage", stage),
	}
}

// WithInstance adds a named-instance field to the logger.
func (l *Logger) WithInstance(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("instance", name),
	}
}

// LogStage logs completion of a pipeline stage.
func (l *Logger) LogStage(ctx context.Context, stage string, failedModes int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "stage failed",
			"stage", stage,
			"error", err,
		)
	} else if failedModes > 0 {
		l.WarnContext(ctx, "stage completed with failed modes",
			"stage", stage,
			"failed_modes", failedModes,
		)
	} else {
		l.InfoContext(ctx, "stage completed",
			"stage", stage,
		)
	}
}

// LogRun logs the outcome of a full product run.
func (l *Logger) LogRun(ctx context.Context, directory string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "product run failed",
			"directory", directory,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "product run completed",
			"directory", directory,
		)
	}
}
