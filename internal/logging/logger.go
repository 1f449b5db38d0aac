package logging

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps Zap with context-aware methods.
type Logger struct {
	zap *zap.Logger
}

// NewLogger creates a logger from config. otelProvider may be nil.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	core, err := newCore(cfg, otelProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create core: %w", err)
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	zl := zap.New(core, opts...)
	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		zl = zl.With(fields...)
	}
	return &Logger{zap: zl}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNop()
	}
	return l
}

func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	if ce := l.zap.Check(TraceLevel, msg); ce != nil {
		ce.Write(append(ContextFields(ctx), fields...)...)
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(ContextFields(ctx), fields...)...)
}

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// Named returns a child logger with a name segment appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name)}
}

// Enabled reports whether level would be written.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.zap.Core().Enabled(level)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

// Underlying returns the wrapped *zap.Logger for libraries that need one.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}

// Syncing stdout/stderr returns EINVAL or ENOTTY on Linux.
func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
