//go:build !windows

package handlers

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/p42r/pkg/action"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBackend(t *testing.T, name string, script string) {
	t.Helper()
	captureBackends[name] = captureBackend{
		name: "/bin/sh",
		args: func(p string) []string { return []string{"-c", script, "capture", p} },
	}
	t.Cleanup(func() { delete(captureBackends, name) })
}

func TestScreenshotEmitsAttachmentAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	withBackend(t, "fake-ok", `printf 'PNGDATA' > "$1"`)
	h := NewCaptureScreenshot(Config{CaptureDir: dir, CaptureBackends: []string{"fake-ok"}})
	ec := newExecContext(t, "")

	require.NoError(t, h.Execute(testContext(t), nil, ec))
	files := ec.attachments()
	require.Len(t, files, 1)
	assert.Equal(t, "image/png", files[0].MIME)
	assert.Equal(t, []byte("PNGDATA"), files[0].Data)
	assert.Regexp(t, `^p42r_[a-z0-9]{12}\.png$`, files[0].Name)
	assert.Contains(t, files[0].Caption, "Screenshot")

	left, err := filepath.Glob(filepath.Join(dir, "p42r_*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestScreenshotFallsBackToNextBackend(t *testing.T) {
	dir := t.TempDir()
	withBackend(t, "fake-fail", `exit 1`)
	withBackend(t, "fake-empty", `: > "$1"`)
	withBackend(t, "fake-ok", `printf 'PNG' > "$1"`)
	h := NewCaptureScreenshot(Config{CaptureDir: dir, CaptureBackends: []string{"fake-fail", "fake-empty", "fake-ok"}})
	ec := newExecContext(t, "")

	require.NoError(t, h.Execute(testContext(t), nil, ec))
	assert.Len(t, ec.attachments(), 1)
}

func TestScreenshotNoBackendSucceeded(t *testing.T) {
	withBackend(t, "fake-fail", `exit 2`)
	h := NewCaptureScreenshot(Config{CaptureDir: t.TempDir(), CaptureBackends: []string{"fake-fail"}})
	ec := newExecContext(t, "")

	err := h.Execute(testContext(t), nil, ec)
	var exitErr *action.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Contains(t, ec.text(), "No screenshot tool succeeded")
	assert.Empty(t, ec.attachments())
}

func TestCleanupCaptures(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := filepath.Join(dir, "p42r_old.png")
	fresh := filepath.Join(dir, "p42r_new.png")
	other := filepath.Join(dir, "keep.png")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0600))
	}
	require.NoError(t, os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(other, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))

	removed, err := CleanupCaptures(dir, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}
