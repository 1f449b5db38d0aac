package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/plangate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "console"

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Stdout = false

	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "trace", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	tests := map[string]zapcore.Level{
		"trace": TraceLevel,
		"TRACE": TraceLevel,
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"Warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, want := range tests {
		got, err := LevelFromString(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestTestLogger_CapturesContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithPlanID(context.Background(), "plan-1")
	ctx = WithStep(ctx, "s1")
	ctx = WithPhase(ctx, "execution")

	tl.Info(ctx, "step succeeded", zap.Int("attempt", 1))
	tl.Trace(ctx, "captured output")

	tl.AssertLogged(t, zapcore.InfoLevel, "step succeeded")
	tl.AssertLogged(t, TraceLevel, "captured output")
	tl.AssertField(t, "step succeeded", "plan.id", "plan-1")
	tl.AssertField(t, "step succeeded", "step.id", "s1")
	tl.AssertField(t, "step succeeded", "phase", "execution")
	tl.AssertField(t, "step succeeded", "attempt", int64(1))
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "step succeeded")

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := NewNop()
	assert.Same(t, l, OrNop(l))
	// nop logger must not panic
	OrNop(nil).Error(context.Background(), "ignored")
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "via context")
	tl.AssertLogged(t, zapcore.WarnLevel, "via context")
}

func TestContextFields_EmptyValuesIgnored(t *testing.T) {
	ctx := WithPlanID(context.Background(), "")
	ctx = WithStep(ctx, "")
	assert.Empty(t, ContextFields(ctx))
	assert.Equal(t, "", PlanIDFromContext(ctx))
}
