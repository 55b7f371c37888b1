package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/examlink/sebconn/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriticalAddsSeverity(t *testing.T) {
	var buf bytes.Buffer
	prev := Get()
	SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { SetLogger(prev) })

	Critical("Connection invariant broken", "component", "SESSION", "token", "abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "critical", entry["severity"])
	assert.Equal(t, "SESSION", entry["component"])
}

func TestInitializeFileOutput(t *testing.T) {
	prev := Get()
	t.Cleanup(func() { SetLogger(prev) })
	stdout, stderr := os.Stdout, os.Stderr
	t.Cleanup(func() { os.Stdout, os.Stderr = stdout, stderr })

	path := filepath.Join(t.TempDir(), "sebconn.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()

	Debug("debug line", "k", "v")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "debug line")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("nonsense"))
}
