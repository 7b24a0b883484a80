package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/supervisor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

const (
	capturePrefix   = "p42r_"
	captureAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// captureBackend is a screenshot tool and the arguments that make it write
// a PNG to path.
type captureBackend struct {
	name string
	args func(path string) []string
}

var captureBackends = map[string]captureBackend{
	"gnome-screenshot": {"gnome-screenshot", func(p string) []string { return []string{"-f", p} }},
	"scrot":            {"scrot", func(p string) []string { return []string{p} }},
	"grim":             {"grim", func(p string) []string { return []string{p} }},
	"import":           {"import", func(p string) []string { return []string{"-window", "root", p} }},
	"screencapture":    {"screencapture", func(p string) []string { return []string{"-x", p} }},
}

func defaultCaptureBackends() []string {
	if runtime.GOOS == "darwin" {
		return []string{"screencapture"}
	}
	return []string{"gnome-screenshot", "scrot", "grim", "import", "screencapture"}
}

// CaptureScreenshot grabs the screen and sends it as a PNG attachment.
type CaptureScreenshot struct {
	cfg Config
}

// NewCaptureScreenshot creates the screenshot handler.
func NewCaptureScreenshot(cfg Config) *CaptureScreenshot {
	return &CaptureScreenshot{cfg: cfg.withDefaults()}
}

func (h *CaptureScreenshot) Spec() action.Spec {
	return action.Spec{
		Verb:           "screenshot",
		Aliases:        []string{"shot"},
		Summary:        "capture the screen",
		Usage:          "screenshot [display]",
		MaxArgs:        1,
		SpawnsProcess:  true,
		Output:         action.SingleShot,
		DefaultTimeout: h.cfg.CaptureTimeout,
	}
}

func (h *CaptureScreenshot) Validate(args []string) error { return nil }

func (h *CaptureScreenshot) Execute(ctx context.Context, args []string, ec action.ExecContext) error {
	if err := os.MkdirAll(h.cfg.CaptureDir, 0700); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}
	id, err := gonanoid.Generate(captureAlphabet, 12)
	if err != nil {
		return err
	}
	path := filepath.Join(h.cfg.CaptureDir, capturePrefix+id+".png")
	defer os.Remove(path)

	var env map[string]string
	if len(args) > 0 {
		env = map[string]string{"DISPLAY": args[0]}
	}

	var tried []string
	for _, name := range h.cfg.CaptureBackends {
		backend, known := captureBackends[name]
		if !known {
			continue
		}
		ok, err := h.capture(ctx, ec, backend, path, env)
		if err != nil {
			return err
		}
		if !ok {
			tried = append(tried, backend.name)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read capture: %w", err)
		}
		chunk := action.Attachment(filepath.Base(path), "image/png", data)
		chunk.Caption = "Screenshot " + time.Now().Format("2006-01-02 15:04:05")
		return ec.Emit(ctx, chunk)
	}

	if err := ec.Emit(ctx, action.Text("No screenshot tool succeeded (tried "+strings.Join(tried, ", ")+").")); err != nil {
		return err
	}
	return &action.ExitError{Code: 1}
}

// capture runs one backend. It reports false when the tool is missing or did
// not produce an image; the error is reserved for cancellation and spawn
// refusal.
func (h *CaptureScreenshot) capture(ctx context.Context, ec action.ExecContext, b captureBackend, path string, env map[string]string) (bool, error) {
	proc, err := ec.Spawn(supervisor.Command{Path: b.name, Args: b.args(path), Env: env})
	if err != nil {
		var spawnErr *supervisor.SpawnError
		if errors.As(err, &spawnErr) && errors.Is(err, exec.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_, _ = io.Copy(io.Discard, proc.Output())
	status, err := ec.Wait(ctx, proc)
	if err != nil {
		return false, err
	}
	if !status.Success() {
		log.Debug().Str("backend", b.name).Int("exit_code", status.Code).Msg("Capture backend failed")
		return false, nil
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 {
		return false, nil
	}
	return true, nil
}

// CleanupCaptures removes capture files in dir older than maxAge and
// returns how many were removed.
func CleanupCaptures(dir string, maxAge time.Duration, now time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, capturePrefix+"*.png"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}
