package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should write to console", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := newWithConsole(Config{Level: "info", Console: true}, &buf)
		require.NoError(t, err)
		defer l.Close()

		zl := l.Zerolog()
		zl.Info().Str("provider", "weather").Msg("connected")
		zl.Debug().Msg("hidden")

		assert.Contains(t, buf.String(), `"provider":"weather"`)
		assert.NotContains(t, buf.String(), "hidden")
	})

	t.Run("should write to file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "toolmesh.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Debug().Msg("tool dispatched")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "tool dispatched")
	})

	t.Run("should redact secrets", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := newWithConsole(Config{Level: "info", Console: true, Redaction: true}, &buf)
		require.NoError(t, err)
		assert.NotNil(t, l.redactor)

		zl := l.Zerolog()
		zl.Info().Msg("using key sk-ant-REDACTED")

		assert.NotContains(t, buf.String(), "sk-ant-api03")
		assert.Contains(t, buf.String(), "[REDACTED]")
	})

	t.Run("should fall back to info on a bad level", func(t *testing.T) {
		l, err := newWithConsole(Config{Level: "chatty", Console: true}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
}
