package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zap.AtomicLevel{
		"debug":   zap.NewAtomicLevelAt(zap.DebugLevel),
		"INFO":    zap.NewAtomicLevelAt(zap.InfoLevel),
		"warning": zap.NewAtomicLevelAt(zap.WarnLevel),
		"error":   zap.NewAtomicLevelAt(zap.ErrorLevel),
		"":        zap.NewAtomicLevelAt(zap.InfoLevel),
		"verbose": zap.NewAtomicLevelAt(zap.InfoLevel),
	}
	for in, want := range tests {
		assert.Equal(t, want.Level(), ParseLevel(in), "level %q", in)
	}
}

func TestInitialize(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	require.NoError(t, Initialize(true, "warn"))
	assert.True(t, JSONOutput)
	assert.NotNil(t, Logger)

	require.NoError(t, Initialize(false, "debug"))
	assert.False(t, JSONOutput)
}

func TestOrDefault(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	custom := zap.New(core).Sugar()

	assert.Same(t, custom, OrDefault(custom, "queue"))

	prev := Logger
	defer func() { Logger = prev }()
	Logger = custom

	OrDefault(nil, "payout").Infow("hello", "k", "v")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "payout", logs.All()[0].LoggerName)
}
