package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelError, levelFromString("ERROR"))
	assert.Equal(t, slog.LevelWarn, levelFromString(" warning "))
	assert.Equal(t, slog.LevelDebug, levelFromString("debug"))
	assert.Equal(t, slog.LevelInfo, levelFromString(""))
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Warn("prep skipped", "reason", "timeout")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"prep skipped"`)
	assert.Contains(t, out, `"reason":"timeout"`)
}

func TestNewWithFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nl2audio.log")

	logger, closeLog, err := NewWithFile("info", "text", path)
	require.NoError(t, err)
	logger.Info("first run")
	require.NoError(t, closeLog())

	logger, closeLog, err = NewWithFile("info", "text", path)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("second run")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first run")
	assert.Contains(t, string(data), "second run")
	assert.NotContains(t, string(data), "hidden")
}

func TestNewWithFileWithoutPath(t *testing.T) {
	logger, closeLog, err := NewWithFile("info", "text", "")
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NoError(t, closeLog())
}
