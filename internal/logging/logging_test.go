package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/bhyvex/metis/internal/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "console", Stdout: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New(config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = New(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestOutputPaths(t *testing.T) {
	file := filepath.Join(t.TempDir(), "manager.log")

	assert.Equal(t, []string{"stdout"}, outputPaths(config.LoggingConfig{}))
	assert.Equal(t, []string{file}, outputPaths(config.LoggingConfig{Path: file}))
	assert.Equal(t, []string{file, "stdout"}, outputPaths(config.LoggingConfig{Path: file, Stdout: true}))
}
