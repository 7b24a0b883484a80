package handlers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowlistCommandAnyArgs(t *testing.T) {
	al, err := NewAllowlist([]AllowlistEntry{{Command: "ls"}})
	require.NoError(t, err)

	assert.True(t, al.IsAllowed("ls", nil))
	assert.True(t, al.IsAllowed("ls", []string{"-la", "/tmp"}))
	assert.True(t, al.IsAllowed("/bin/ls", []string{"-l"}))
	assert.False(t, al.IsAllowed("rm", []string{"-rf", "/"}))
}

func TestAllowlistExactArgs(t *testing.T) {
	al, err := NewAllowlist([]AllowlistEntry{{Command: "systemctl", Args: []string{"status", "nginx"}}})
	require.NoError(t, err)

	assert.True(t, al.IsAllowed("systemctl", []string{"status", "nginx"}))
	assert.False(t, al.IsAllowed("systemctl", []string{"stop", "nginx"}))
	assert.False(t, al.IsAllowed("systemctl", nil))
}

func TestAllowlistPattern(t *testing.T) {
	al, err := NewAllowlist([]AllowlistEntry{{Pattern: "git *"}, {Pattern: "uptime"}})
	require.NoError(t, err)

	assert.True(t, al.IsAllowed("git", []string{"log", "--", "src/main.go"}))
	assert.True(t, al.IsAllowed("uptime", nil))
	assert.False(t, al.IsAllowed("gitk", nil))
	assert.False(t, al.IsAllowed("uptime", []string{"-p"}))
}

func TestAllowlistRejectsEmptyEntry(t *testing.T) {
	_, err := NewAllowlist([]AllowlistEntry{{Reason: "nothing"}})
	assert.Error(t, err)

	_, err = NewAllowlist([]AllowlistEntry{{Pattern: "["}})
	assert.Error(t, err)
}

func TestAllowlistIgnoresDuplicates(t *testing.T) {
	al, err := NewAllowlist([]AllowlistEntry{{Command: "ls"}, {Command: "ls"}, {Command: "ls", Args: []string{"-l"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, al.Count())
	assert.Len(t, al.List(), 2)
}

func TestLoadAllowlistFile(t *testing.T) {
	dir := t.TempDir()

	entries, err := LoadAllowlistFile(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	path := filepath.Join(dir, "allowlist.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"command":"df","reason":"disk"},{"pattern":"docker ps*"}]`), 0600))
	entries, err = LoadAllowlistFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "df", entries[0].Command)
	assert.Equal(t, "docker ps*", entries[1].Pattern)

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0600))
	_, err = LoadAllowlistFile(path)
	assert.Error(t, err)
}
