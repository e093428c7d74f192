package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJSONFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	require.NoError(t, Init(
		WithLevel("info"),
		WithFormat("json"),
		WithFile(path),
		WithVersion("v1.0.0"),
		WithComponent("relay-agent"),
	))

	New("reconcile").Info("Reconciled", zap.Int("peers", 3))
	Debug("dropped at info level")
	require.NoError(t, Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Reconciled", entry["msg"])
	assert.Equal(t, "reconcile", entry["component"])
	assert.Equal(t, "relay-agent", entry["service"])
	assert.Equal(t, "v1.0.0", entry["version"])
	assert.EqualValues(t, 3, entry["peers"])
}

func TestInitRejectsBadOptions(t *testing.T) {
	assert.Error(t, Init(WithFormat("xml")))
	assert.Error(t, Init(WithLevel("loud")))
}

func TestUpdateLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	require.NoError(t, Init(WithLevel("warn"), WithFile(path)))

	Info("hidden")
	require.NoError(t, UpdateLevel("debug"))
	Debug("shown")
	require.NoError(t, Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")

	assert.Error(t, UpdateLevel("info"), "logger is shut down")
}
