package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, l)

	l, err = NewLogger(DevelopmentConfig())
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestUnknownLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "verbose"})
	assert.Error(t, err)
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	l, err := NewLogger(Config{})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLoggerFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "console")
	l, err := NewLoggerFromEnv()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	t.Setenv("LOG_DEV", "true")
	t.Setenv("LOG_LEVEL", "")
	l, err = NewLoggerFromEnv()
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestGlobal(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { SetGlobal(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	SetGlobal(&Logger{zap.New(core)})

	L().Named("engine").Info("settled", InvestmentID("inv-1"), OwnerID("acc-1"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "engine", entry.LoggerName)
	assert.Equal(t, "inv-1", entry.ContextMap()["investment_id"])
	assert.Equal(t, "acc-1", entry.ContextMap()["owner_id"])

	SetGlobal(nil)
	assert.NotNil(t, Global())
}

func TestFieldKeys(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := &Logger{zap.New(core)}

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	l.Info("swept",
		Status("to", "Completed"),
		Backend("redis"),
		Operation("apply_transition"),
		RunID("run-1"),
		Instant("at", at),
	)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "Completed", fields["to"])
	assert.Equal(t, "redis", fields["backend"])
	assert.Equal(t, "apply_transition", fields["operation"])
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "2026-05-01T11:00:00.000Z", fields["at"])
}
