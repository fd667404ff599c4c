package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLevels(t *testing.T) {
	log, err := New("debug")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	log, err = New("not-a-level")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
	assert.True(t, log.Core().Enabled(zap.InfoLevel))
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := &Logger{Logger: zap.New(core)}

	log.WithUser("u1").WithSandbox("sbx-1").WithModel("gpt-4o").WithOperation("acquire").Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "u1", fields["user_id"])
	assert.Equal(t, "sbx-1", fields["sandbox_id"])
	assert.Equal(t, "gpt-4o", fields["model"])
	assert.Equal(t, "acquire", fields["operation"])
}

func TestNewWithFormat(t *testing.T) {
	log, err := NewWithFormat("warn", FormatConsole)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
	assert.True(t, log.Core().Enabled(zap.WarnLevel))

	// Unknown formats fall back to JSON rather than failing
	_, err = NewWithFormat("info", "xml")
	require.NoError(t, err)

	dev, err := NewDevelopment()
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zap.DebugLevel))
}
