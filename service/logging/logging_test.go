package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", FormatJSON, &buf)

	logger.Debug("hidden")
	logger.Info("transfer alert", "symbol", "SOL")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "transfer alert", entry["msg"])
	assert.Equal(t, "SOL", entry["symbol"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", FormatText, &buf)

	logger.Debug("cycle complete", "events", 2)

	out := buf.String()
	assert.Contains(t, out, "cycle complete")
	assert.Contains(t, out, "events=2")
	// Buffers are not terminals, so no escape codes.
	assert.NotContains(t, out, "\x1b[")
}
