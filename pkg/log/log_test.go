package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONWithTaskID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithTaskID("task-123", 2)
	logger.Info().Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "task-123", entry["task_id"])
	assert.Equal(t, float64(2), entry["run_id"])
	assert.Equal(t, "hello", entry["message"])
}

func TestInitLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel, JSONOutput: true, Output: &bytes.Buffer{}})

	logger := WithComponent("test")
	logger.Info().Msg("filtered")
	assert.Empty(t, buf.String())

	logger.Error().Msg("kept")
	assert.Contains(t, buf.String(), `"component":"test"`)
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "public", "logs", "chain_of_trust.log")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	logger.Info().Str("upstream_task_id", "T1").Msg("verifying")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"upstream_task_id":"T1"`)
}
