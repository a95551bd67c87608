package pmemkv

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with pmemkv-specific context.
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

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(io.Discard, nil)
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogRecovery logs the outcome of a recovery scan.
func (l *Logger) LogRecovery(ctx context.Context, restored, repaired, discarded int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"restored", restored,
			"repaired", repaired,
			"discarded", discarded,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"restored", restored,
			"repaired", repaired,
			"discarded", discarded,
		)
	}
}

// LogRepair logs a linkage repair performed during recovery.
func (l *Logger) LogRepair(ctx context.Context, offset uint64) {
	l.WarnContext(ctx, "repaired torn record linkage",
		"offset", offset,
	)
}

// LogDiscard logs a record excluded from recovery.
func (l *Logger) LogDiscard(ctx context.Context, offset uint64, reason string) {
	l.DebugContext(ctx, "discarded record",
		"offset", offset,
		"reason", reason,
	)
}

// LogBatchRollback logs a pending batch resolved as not fully applied.
func (l *Logger) LogBatchRollback(ctx context.Context, slot int, records int) {
	l.WarnContext(ctx, "rolled back interrupted batch",
		"slot", slot,
		"records", records,
	)
}

// LogBackup logs a backup export.
func (l *Logger) LogBackup(ctx context.Context, entries int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "backup failed",
			"entries", entries,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "backup completed",
			"entries", entries,
		)
	}
}
