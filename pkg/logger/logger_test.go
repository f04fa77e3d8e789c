package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appctx "fieldforce/internal/core/context"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{zap.New(core).Sugar()}, logs
}

func TestWithContext_Fields(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	otelCtx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	tests := []struct {
		name string
		ctx  context.Context
		want map[string]any
	}{
		{
			name: "empty context",
			ctx:  context.Background(),
			want: map[string]any{},
		},
		{
			name: "application trace and user",
			ctx: appctx.WithUser(
				appctx.WithTrace(context.Background(), &appctx.TraceContext{TraceID: "t-1", RequestID: "r-1"}),
				&appctx.UserContext{UserID: "u-1"},
			),
			want: map[string]any{"trace_id": "t-1", "request_id": "r-1", "user_id": "u-1"},
		},
		{
			name: "otel span only",
			ctx:  otelCtx,
			want: map[string]any{"trace_id": traceID.String(), "span_id": spanID.String()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, logs := observed(zapcore.DebugLevel)
			l.WithContext(tt.ctx).Infow("merge started")

			require.Equal(t, 1, logs.Len())
			assert.Equal(t, tt.want, logs.All()[0].ContextMap())
		})
	}
}

func TestSetDefault_RoutesPackageFunctions(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	l, logs := observed(zapcore.InfoLevel)
	SetDefault(l.WithComponent("merge"))

	ctx := appctx.WithUser(context.Background(), &appctx.UserContext{UserID: "u-2"})
	Debug(ctx, "dropped below level")
	Info(ctx, "merge finished", "records", 3)
	Warn(ctx, "audit write failed")
	Error(ctx, "merge failed")

	require.Equal(t, 3, logs.Len())
	first := logs.All()[0]
	assert.Equal(t, "merge finished", first.Message)
	assert.Equal(t, map[string]any{"component": "merge", "user_id": "u-2", "records": int64(3)}, first.ContextMap())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[2].Level)

	SetDefault(nil)
	assert.Same(t, Default(), Default())
}

func TestNew_Service(t *testing.T) {
	l, err := New(Config{Level: "not-a-level", Service: "mergectl", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.True(t, l.Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))
}
