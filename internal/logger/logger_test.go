package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "p42r.log")

	l, err := New(Config{Level: "debug", File: logFile})
	require.NoError(t, err)

	dl := l.Component("dispatcher")
	dl.Info().Str("verb", "ps").Msg("Execution finished")
	require.NoError(t, l.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"component":"dispatcher"`)
	assert.Contains(t, string(content), `"verb":"ps"`)
}

func TestNewRedactsConfiguredSecrets(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "p42r.log")

	l, err := New(Config{
		Level:     "info",
		File:      logFile,
		Redaction: true,
		Secrets:   []string{"gateway-secret-value"},
	})
	require.NoError(t, err)

	l.Info().Str("note", "using gateway-secret-value").Msg("Gateway configured")
	require.NoError(t, l.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "gateway-secret-value")
	assert.Contains(t, string(content), redacted)
}

func TestNewSetsGlobalLogger(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	})

	l, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, zerolog.WarnLevel, l.Zerolog().GetLevel())
	assert.Equal(t, zerolog.WarnLevel, log.Logger.GetLevel())
}

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	l, err := New(Config{Level: "chatty"})
	require.NoError(t, err)
	defer l.Close()
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 50, cfg.MaxSize)
	assert.Equal(t, 14, cfg.MaxAge)
}

func TestNewConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: " DEBUG ", Console: true, Output: &buf})
	require.NoError(t, err)
	defer l.Close()
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	tl := l.Component("telegram")
	tl.Debug().Msg("Polling")
	assert.Contains(t, buf.String(), `"component":"telegram"`)
	assert.Contains(t, buf.String(), `"level":"debug"`)
}

func TestLoggerLevelMethods(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "debug", Console: true, Output: &buf})
	require.NoError(t, err)
	defer l.Close()
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	l.Debug().Msg("d")
	l.Info().Msg("i")
	l.Warn().Msg("w")
	l.Error().Msg("e")

	out := buf.String()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.Contains(t, out, `"level":"`+level+`"`)
	}
}
