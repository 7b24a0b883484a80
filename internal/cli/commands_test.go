package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/harun/p42r/internal/config"
	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/pairing"
	"github.com/harun/p42r/pkg/platform"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, dataDir string) *pairing.Store {
	t.Helper()
	store, err := pairing.NewStore(pairing.Options{Dir: filepath.Join(dataDir, "pairing")})
	require.NoError(t, err)
	return store
}

func TestStartCommand(t *testing.T) {
	t.Run("already running", func(t *testing.T) {
		path, dataDir := writeConfig(t)
		require.NoError(t, os.MkdirAll(dataDir, 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "p42r.pid"), []byte(strconv.Itoa(os.Getpid())), 0o644))

		_, err := run(t, "--config", path, "start")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "p42r.json")
		raw := `{"data_dir": "` + filepath.Join(dir, "data") + `", "telegram": {"enabled": false}}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

		_, err := run(t, "--config", path, "start")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one platform")
	})
}

func TestStopCommand(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		path, _ := writeConfig(t)
		out, err := run(t, "--config", path, "stop")
		require.NoError(t, err)
		assert.Contains(t, out, "Daemon is not running")
	})

	t.Run("stale pid file is removed", func(t *testing.T) {
		path, dataDir := writeConfig(t)
		require.NoError(t, os.MkdirAll(dataDir, 0o700))
		pidFile := filepath.Join(dataDir, "p42r.pid")
		// Above the Linux pid_max ceiling, so never a live process.
		require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0o644))

		out, err := run(t, "--config", path, "stop")
		require.NoError(t, err)
		assert.Contains(t, out, "Daemon is not running")
		assert.NoFileExists(t, pidFile)
	})

	t.Run("help text", func(t *testing.T) {
		out, err := run(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Stop the p42r daemon service")
		assert.Contains(t, out, "timeout")
	})
}

func TestStatusCommand(t *testing.T) {
	path, dataDir := writeConfig(t)

	out, err := run(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: stopped")
	assert.Contains(t, out, "Platforms: local (ws://127.0.0.1:8742/ws)")
	assert.Contains(t, out, "Authorized identities: 0")

	require.NoError(t, os.MkdirAll(dataDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "p42r.pid"), []byte(strconv.Itoa(os.Getpid())), 0o644))
	out, err = run(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: running")
	assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
	assert.Contains(t, out, "Uptime:")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func TestPairingCommands(t *testing.T) {
	path, dataDir := writeConfig(t)

	out, err := run(t, "--config", path, "pairing", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending pairing requests.")

	store := testStore(t, dataDir)
	first, _, err := store.EnsurePending(platform.Identity{Platform: "telegram", ID: "42"})
	require.NoError(t, err)
	second, _, err := store.EnsurePending(platform.Identity{Platform: "telegram", ID: "43"})
	require.NoError(t, err)

	out, err = run(t, "--config", path, "pairing", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "CODE")
	assert.Contains(t, out, first.Code)
	assert.Contains(t, out, "telegram:43")

	out, err = run(t, "--config", path, "pairing", "approve", strings.ToLower(first.Code))
	require.NoError(t, err)
	assert.Contains(t, out, "Approved pairing for telegram:42.")

	out, err = run(t, "--config", path, "pairing", "reject", second.Code)
	require.NoError(t, err)
	assert.Contains(t, out, "Rejected pairing for telegram:43.")

	_, err = run(t, "--config", path, "pairing", "approve", second.Code)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pairing.ErrRequestNotFound))

	fresh := testStore(t, dataDir)
	assert.True(t, fresh.IsAllowed(platform.Identity{Platform: "telegram", ID: "42"}))
	assert.False(t, fresh.IsAllowed(platform.Identity{Platform: "telegram", ID: "43"}))
	assert.Empty(t, fresh.ListPending())
}

func TestAllowRevokeCommands(t *testing.T) {
	path, dataDir := writeConfig(t)
	id := platform.Identity{Platform: "local", ID: "laptop"}

	_, err := run(t, "--config", path, "allow", "nonsense")
	assert.Error(t, err)

	out, err := run(t, "--config", path, "allow", "local:laptop", "--reason", "my laptop")
	require.NoError(t, err)
	assert.Contains(t, out, "Authorized local:laptop.")

	out, err = run(t, "--config", path, "allow", "local:laptop")
	require.NoError(t, err)
	assert.Contains(t, out, "already authorized")

	out, err = run(t, "--config", path, "allowlist")
	require.NoError(t, err)
	assert.Contains(t, out, "local:laptop")
	assert.Contains(t, out, "my laptop")

	out, err = run(t, "--config", path, "revoke", "local:laptop")
	require.NoError(t, err)
	assert.Contains(t, out, "Revoked local:laptop.")

	store := testStore(t, dataDir)
	assert.False(t, store.IsAllowed(id))
	assert.True(t, store.IsRevoked(id))

	_, err = run(t, "--config", path, "revoke", "local:laptop")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pairing.ErrNotAllowlisted))

	out, err = run(t, "--config", path, "allowlist")
	require.NoError(t, err)
	assert.Contains(t, out, "No authorized identities.")
	assert.Contains(t, out, "Revoked:")
}

func seedJournal(t *testing.T, dataDir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dataDir, 0o700))
	j, err := journal.Open(filepath.Join(dataDir, "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()

	now := time.Now()
	entries := []journal.Entry{
		{ID: "a1", Identity: "telegram:42", Verb: "exec", Args: "uptime", State: "succeeded",
			CreatedAt: now.Add(-3 * time.Hour), StartedAt: now.Add(-3 * time.Hour), EndedAt: now.Add(-3*time.Hour + 2*time.Second)},
		{ID: "a2", Identity: "telegram:42", Verb: "ps", State: "failed", Reason: "handler_error", ExitCode: 1,
			CreatedAt: now.Add(-time.Minute), EndedAt: now.Add(-time.Minute)},
		{ID: "a3", Identity: "local:laptop", Verb: "exec", Args: "sleep 100", State: "cancelled", Reason: "cancelled",
			CreatedAt: now.Add(-30 * time.Second), EndedAt: now.Add(-20 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, j.Record(context.Background(), e))
	}
}

func TestHistoryCommand(t *testing.T) {
	path, dataDir := writeConfig(t)
	seedJournal(t, dataDir)

	out, err := run(t, "--config", path, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "IDENTITY")
	for _, id := range []string{"a1", "a2", "a3"} {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "exec uptime")
	assert.Contains(t, out, "failed (handler_error)")

	out, err = run(t, "--config", path, "history", "--identity", "telegram:42", "--since", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "a2")
	assert.NotContains(t, out, "a1")
	assert.NotContains(t, out, "a3")

	out, err = run(t, "--config", path, "history", "--verb", "exec", "--json")
	require.NoError(t, err)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "a3", entries[0].ID)

	out, err = run(t, "--config", path, "history", "--state", "timed_out")
	require.NoError(t, err)
	assert.Contains(t, out, "No matching commands.")

	_, err = run(t, "--config", path, "history", "--since", "yesterday")
	assert.Error(t, err)
}

func TestHistoryCommand_JournalDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p42r.json")
	raw := `{"data_dir": "` + filepath.Join(dir, "data") + `", "journal": {"enabled": false}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	_, err := run(t, "--config", path, "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	got, err = parseSince("2025-01-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = parseSince("-1h", now)
	assert.Error(t, err)
	_, err = parseSince("soon", now)
	assert.Error(t, err)
}

func TestConfigureCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p42r.json")

	cmd := GetRootCmd()
	cmd.SetIn(strings.NewReader("n\ny\n\n"))
	out := &strings.Builder{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--config", path, "configure"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Configuration saved to: "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Telegram.Enabled)
	assert.True(t, cfg.Gateway.Enabled)
	assert.GreaterOrEqual(t, len(cfg.Gateway.SharedSecret), 16)
}
