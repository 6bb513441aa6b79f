package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_ValidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)

	cfg = NewDefaultConfig()
	cfg.Output = OutputConfig{}
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_ContextCorrelation(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithTask(context.Background(), "task-42", "codegen")
	ctx = WithWorker(ctx, "w1")
	ctx = WithSubmitter(ctx, "alice")

	tl.Info(ctx, "iteration complete", zap.Int("iteration", 2))

	tl.AssertLogged(t, zapcore.InfoLevel, "iteration complete")
	tl.AssertField(t, "iteration complete", "task_id", "task-42")
	tl.AssertField(t, "iteration complete", "task_domain", "codegen")
	tl.AssertField(t, "iteration complete", "worker_id", "w1")
	tl.AssertField(t, "iteration complete", "submitter", "alice")
}

func TestLogger_TraceLevelGated(t *testing.T) {
	tl := NewTestLogger()
	tl.Trace(context.Background(), "bid arithmetic")
	tl.AssertLogged(t, TraceLevel, "bid arithmetic")

	cfg := NewDefaultConfig() // info level
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	assert.False(t, logger.Enabled(TraceLevel))
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
}

func TestLogger_ChildLoggers(t *testing.T) {
	tl := NewTestLogger()
	child := tl.With(zap.String("component", "bidding")).Named("coordinator")

	child.Info(context.Background(), "decision recorded")

	entries := tl.FilterMessage("decision recorded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "coordinator", entries[0].LoggerName)
	tl.AssertField(t, "decision recorded", "component", "bidding")
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	// Nop logger must not panic.
	logger.Info(context.Background(), "ignored")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}

func TestSampling_ErrorsNeverSampled(t *testing.T) {
	tl := NewTestLogger()
	core := newSampledCore(tl.Underlying().Core(), SamplingConfig{
		Enabled:    true,
		Tick:       time.Second,
		Initial:    1,
		Thereafter: 0,
	})
	logger := zap.New(core)

	for i := 0; i < 10; i++ {
		logger.Info("chatty")
		logger.Error("broken")
	}

	assert.Less(t, tl.FilterMessage("chatty").Len(), 10, "info is sampled")
	assert.Equal(t, 10, tl.FilterMessage("broken").Len(), "errors pass through")
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Sampling.Tick = 0
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Fields = map[string]string{"service": ""}
	assert.Error(t, cfg.Validate())
}
