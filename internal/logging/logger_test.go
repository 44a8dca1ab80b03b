package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_StdoutOnly(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one output")
}

func TestLogger_LevelMethods(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "t")
	tl.Debug(ctx, "d")
	tl.Info(ctx, "i")
	tl.Warn(ctx, "w")
	tl.Error(ctx, "e")

	levels := make([]zapcore.Level, 0, 5)
	for _, e := range tl.All() {
		levels = append(levels, e.Level)
	}
	assert.Equal(t, []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}, levels)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithProjectID(ctx, "proj-a")
	ctx = WithTaskID(ctx, "task-7")
	ctx = WithCheckpointID(ctx, 42)

	tl.Info(ctx, "phase started", zap.String("phase", "drafting"))

	tl.AssertField(t, "phase started", "run.id", "run-1")
	tl.AssertField(t, "phase started", "project.id", "proj-a")
	tl.AssertField(t, "phase started", "task.id", "task-7")
	tl.AssertField(t, "phase started", "checkpoint.id", "42")
	tl.AssertField(t, "phase started", "phase", "drafting")
}

func TestContextFields_Trace(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1},
		SpanID:  trace.SpanID{2},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	keys := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["trace_id"])
	assert.True(t, keys["span_id"])
}

func TestContextFields_EmptyIDsIgnored(t *testing.T) {
	ctx := WithTaskID(context.Background(), "")
	assert.Empty(t, ContextFields(ctx))
	_, ok := CheckpointIDFromContext(ctx)
	assert.False(t, ok)
}

func TestFor_AddsContextFields(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	ctx := WithTaskID(context.Background(), "task-9")

	For(ctx, zap.New(core)).Info("claimed")

	require.Equal(t, 1, observed.Len())
	assert.Equal(t, "task-9", observed.All()[0].ContextMap()["task.id"])
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info(context.Background(), "dropped")

	tl := NewTestLogger()
	got := FromContext(WithLogger(context.Background(), tl.Logger))
	assert.Same(t, tl.Logger, got)
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.ObservabilityConfig{
		LogLevel:    "trace",
		LogFormat:   "console",
		ServiceName: "ledgerd-test",
	})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, "ledgerd-test", cfg.Fields["service"])

	_, err = ConfigFrom(config.ObservabilityConfig{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	cfg.Redaction.Patterns = append(cfg.Redaction.Patterns, "(")

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
	assert.Contains(t, err.Error(), "invalid redaction pattern")
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)
}
