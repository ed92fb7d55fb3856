package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewConsoleLogger(t *testing.T) {
	l := New(Config{Level: "debug"})
	require.NotNil(t, l)
	l.Debug("console logger alive")
}

func TestNewFileLoggerWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenantd.log")
	l := New(Config{Level: "info", File: path})
	l.Info("hello", "k", "v")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello")
	// file output must be plain text, no ANSI escapes
	assert.NotContains(t, string(b), "\033[")
}
