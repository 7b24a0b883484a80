package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("P42R_DATA_DIR", dir)

	cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrentPerIdentity)
	assert.Equal(t, time.Minute, cfg.Engine.RateLimitWindow)
	assert.Equal(t, filepath.Join(dir, "pairing"), cfg.Pairing.Dir)
	assert.Equal(t, []string{"PATH", "HOME", "LANG", "USER", "SHELL"}, cfg.Exec.InheritEnv)
}

func TestLoaderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p42r.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data_dir": "`+dir+`",
		"engine": {
			"max_concurrent_per_identity": 5,
			"default_handler_timeout": "90s",
			"overflow": "queue",
			"admins": ["telegram:1"]
		},
		"telegram": {"bot_token": "123:abc"},
		"exec": {
			"allowlist_enabled": true,
			"allowlist": [{"command": "uptime"}, {"pattern": "git *"}]
		},
		"maintenance": {"journal_prune": "0 4 * * *"}
	}`), 0600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxConcurrentPerIdentity)
	assert.Equal(t, 90*time.Second, cfg.Engine.DefaultHandlerTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Engine.MaxHandlerTimeout)
	assert.Equal(t, "queue", cfg.Engine.Overflow)
	assert.Equal(t, []string{"telegram:1"}, cfg.Engine.Admins)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	require.Len(t, cfg.Exec.Allowlist, 2)
	assert.Equal(t, "git *", cfg.Exec.Allowlist[1].Pattern)
	assert.Equal(t, "0 4 * * *", cfg.Maintenance.JournalPrune)
	assert.Equal(t, "@daily", DefaultConfig().Maintenance.JournalPrune)
}

func TestLoaderEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("P42R_DATA_DIR", dir)
	t.Setenv("P42R_TELEGRAM_BOT_TOKEN", "999:from-env")
	t.Setenv("P42R_ENGINE_OVERFLOW", "queue")
	t.Setenv("P42R_ENGINE_MAX_HANDLER_TIMEOUT", "2m")
	t.Setenv("P42R_GATEWAY_ENABLED", "true")

	cfg, err := NewLoader(filepath.Join(dir, "none.json")).Load()
	require.NoError(t, err)

	assert.Equal(t, "999:from-env", cfg.Telegram.BotToken)
	assert.Equal(t, "queue", cfg.Engine.Overflow)
	assert.Equal(t, 2*time.Minute, cfg.Engine.MaxHandlerTimeout)
	assert.True(t, cfg.Gateway.Enabled)
}

func TestLoaderRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p42r.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"engine": `), 0600))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestLoaderSaveMerges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "p42r.json")
	loader := NewLoader(path)

	require.NoError(t, loader.Save(map[string]interface{}{
		"data_dir":           dir,
		"telegram.bot_token": "123:first",
	}))
	require.NoError(t, loader.Save(map[string]interface{}{
		"engine.admins": []string{"telegram:7"},
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "123:first", cfg.Telegram.BotToken)
	assert.Equal(t, []string{"telegram:7"}, cfg.Engine.Admins)
	assert.Equal(t, path, loader.GetConfigPath())
}
