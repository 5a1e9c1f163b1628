package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/adwd/internal/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Debug("hello")
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "shout", Format: "console"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewRunLoggerWritesExecutionLog(t *testing.T) {
	runDir := t.TempDir()

	logger, err := NewRunLogger(config.LoggingConfig{Level: "info", Format: "console"}, runDir, "adw_plan")
	require.NoError(t, err)

	logger.Info("pipeline started")
	// Debug entries reach the file even when the console level is info.
	logger.Debug("detail")
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(filepath.Join(runDir, "adw_plan", "execution.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "pipeline started")
	assert.Contains(t, string(content), "detail")
}
