package pagealloc

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with allocator-specific context.
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
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithName tags every record with the allocator's name (useful when a
// process runs one allocator per simulated node).
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("allocator", name),
	}
}

// LogBoot logs the layout chosen by the range initializer.
func (l *Logger) LogBoot(ctx context.Context, layout Layout) {
	l.DebugContext(ctx, "allocator initialized",
		"table_base", layout.TableBase.String(),
		"table_pages", layout.TablePages,
		"start", layout.Start.String(),
		"end", layout.End.String(),
		"pages", layout.Pages,
	)
}

// LogDoubleFree logs a rejected free of an already free page. suppressed is
// the number of earlier notices dropped by the diagnostic rate limit.
func (l *Logger) LogDoubleFree(ctx context.Context, pa PhysAddr, suppressed int64) {
	if suppressed > 0 {
		l.WarnContext(ctx, "page freed twice",
			"addr", pa.String(),
			"suppressed", suppressed,
		)
		return
	}
	l.WarnContext(ctx, "page freed twice",
		"addr", pa.String(),
	)
}

// LogExhausted logs an allocation that found no page.
func (l *Logger) LogExhausted(ctx context.Context, err error) {
	l.DebugContext(ctx, "allocation failed",
		"error", err,
	)
}

// LogFatal logs a consistency violation just before the allocator halts.
func (l *Logger) LogFatal(ctx context.Context, err *FatalError) {
	l.ErrorContext(ctx, "fatal allocator error",
		"op", err.Op,
		"addr", err.Addr.String(),
		"error", err.Err,
	)
}
