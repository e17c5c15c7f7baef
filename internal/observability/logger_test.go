package observability_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/observability"
)

func TestLogger_WritesFlatJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "info")

	logger.Info("login_succeeded", map[string]any{"user_id": "u-1", "attempts": 2})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "login_succeeded", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "u-1", entry["user_id"])
	assert.EqualValues(t, 2, entry["attempts"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "warn")

	logger.Debug("noise", nil)
	logger.Info("noise", nil)
	logger.Warn("rate_limited", map[string]any{"scope": "login"})
	logger.Error("store_failed", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"level":"warning"`)
	assert.Contains(t, lines[1], `"level":"error"`)
}

func TestLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "loud")

	logger.Debug("hidden", nil)
	logger.Info("shown", nil)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
