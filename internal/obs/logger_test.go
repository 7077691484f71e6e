package obs

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "abc***", MaskSecret("abcdef123456"))
	assert.Equal(t, "***", MaskSecret("ab"))
	assert.Equal(t, "***", MaskSecret(""))
}

func TestLogger_MasksSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", &buf)

	logger.WithField("api_key", "supersecretkey").
		WithField("signature", "deadbeefcafe").
		WithField("symbol", "BTCUSDT").
		Info("request_signed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "sup***", entry["api_key"])
	assert.Equal(t, "dea***", entry["signature"])
	assert.Equal(t, "BTCUSDT", entry["symbol"], "non-sensitive fields pass through")
	assert.Equal(t, "request_signed", entry["msg"])
}

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", &buf)

	Component(logger, "execution_loop").Info("order_placed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "execution_loop", entry["component"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("visible")
	assert.NotZero(t, buf.Len())
}
