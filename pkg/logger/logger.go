// Package logger provides structured logging with context support.
//
// Call sites log through the package functions (Info, Warn, ...) with the
// request context; the process logger is installed once with SetDefault.
package logger

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	appctx "fieldforce/internal/core/context"
)

// Logger wraps zap.SugaredLogger with context-aware logging.
type Logger struct {
	*zap.SugaredLogger
}

// Config holds logger configuration.
type Config struct {
	Level       string // debug, info, warn, error
	Development bool   // console encoder with colors
	OutputPaths []string
	Service     string // added to every entry when set
}

// New creates a new Logger from configuration. An unknown level falls back to info.
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}

	zl, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	l := &Logger{zl.Sugar()}
	if cfg.Service != "" {
		l = l.With("service", cfg.Service)
	}
	return l, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap.NewNop().Sugar()}
}

var defaultLogger atomic.Pointer[Logger]

// SetDefault installs l as the logger behind the package functions.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// Default returns the installed logger, or a production stdout logger.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l, err := New(Config{Level: "info", OutputPaths: []string{"stdout"}})
	if err != nil {
		l = NewNop()
	}
	defaultLogger.CompareAndSwap(nil, l)
	return defaultLogger.Load()
}

// WithContext adds trace ids and the acting user from ctx. Without an
// application trace the OpenTelemetry span ids are used.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sugar := l.SugaredLogger

	if t := appctx.GetTrace(ctx); t != nil {
		sugar = sugar.With("trace_id", t.TraceID, "request_id", t.RequestID)
	} else if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		sugar = sugar.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}

	if user := appctx.GetUser(ctx); user != nil {
		sugar = sugar.With("user_id", user.UserID)
	}

	return &Logger{sugar}
}

// With adds key-value pairs to logger.
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{l.SugaredLogger.With(keysAndValues...)}
}

// WithComponent adds component name to logger.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// FromContext returns the default logger enriched from ctx.
func FromContext(ctx context.Context) *Logger {
	return Default().WithContext(ctx)
}

func Debug(ctx context.Context, msg string, keysAndValues ...any) {
	FromContext(ctx).Debugw(msg, keysAndValues...)
}

func Info(ctx context.Context, msg string, keysAndValues ...any) {
	FromContext(ctx).Infow(msg, keysAndValues...)
}

func Warn(ctx context.Context, msg string, keysAndValues ...any) {
	FromContext(ctx).Warnw(msg, keysAndValues...)
}

func Error(ctx context.Context, msg string, keysAndValues ...any) {
	FromContext(ctx).Errorw(msg, keysAndValues...)
}
