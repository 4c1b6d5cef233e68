package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter(t *testing.T) {
	t.Parallel()

	t.Run("json format emits parseable records with component attribute", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter("info", "json", &buf)

		log.Info("hello", "flag_key", "f1")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "hello", record["msg"])
		assert.Equal(t, "bifrost", record["component"])
		assert.Equal(t, "f1", record["flag_key"])
	})

	t.Run("level filters lower records", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter("warn", "text", &buf)

		log.Info("quiet")
		assert.Empty(t, buf.String())

		log.Warn("loud")
		assert.Contains(t, buf.String(), "loud")
	})

	t.Run("unknown level and format fall back to info text", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter("shouting", "yaml", &buf)

		log.Debug("hidden")
		assert.Empty(t, buf.String())

		log.Info("shown")
		assert.Contains(t, buf.String(), "shown")
	})
}
