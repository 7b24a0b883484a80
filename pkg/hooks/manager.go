// Package hooks runs host-side shell scripts when the agent reaches lifecycle
// events, for example a desktop notification carrying a new pairing code.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Events fired by the daemon.
const (
	EventDaemonStart       = "daemon:start"
	EventDaemonStop        = "daemon:stop"
	EventPairingRequested  = "pairing:requested"
	EventExecutionFinished = "execution:finished"
	EventIdentityRevoked   = "identity:revoked"

	envPrefix       = "P42R_HOOK_"
	defaultTimeout  = 10 * time.Second
	maxLoggedOutput = 1024
)

// KnownEvents lists every event a hook may subscribe to.
var KnownEvents = []string{
	EventDaemonStart,
	EventDaemonStop,
	EventPairingRequested,
	EventExecutionFinished,
	EventIdentityRevoked,
}

// Hook runs Script through /bin/sh when Event fires.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a hook Manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	// Env is the base environment of hook scripts. Nil means the daemon's.
	Env    []string
	Logger zerolog.Logger
}

// Manager runs the configured hooks. A nil or disabled Manager does nothing.
type Manager struct {
	enabled bool
	env     []string
	logger  zerolog.Logger

	byEvent  map[string][]Hook
	inflight sync.WaitGroup
}

// NewManager validates cfg and indexes enabled hooks by event.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		enabled: cfg.Enabled,
		env:     cfg.Env,
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[string][]Hook),
	}
	if m.env == nil {
		m.env = os.Environ()
	}
	if !cfg.Enabled {
		return m, nil
	}

	for i, h := range cfg.Hooks {
		if !h.Enabled {
			continue
		}
		h.Event = strings.TrimSpace(h.Event)
		if !slices.Contains(KnownEvents, h.Event) {
			return nil, fmt.Errorf("hooks[%d]: unknown event %q", i, h.Event)
		}
		if strings.TrimSpace(h.Script) == "" {
			return nil, fmt.Errorf("hooks[%d]: script is required for %s", i, h.Event)
		}
		if h.Timeout <= 0 {
			h.Timeout = defaultTimeout
		}
		if h.ID == "" {
			h.ID = fmt.Sprintf("%s#%d", h.Event, i)
		}
		m.byEvent[h.Event] = append(m.byEvent[h.Event], h)
	}
	return m, nil
}

// Has reports whether any hook listens for event.
func (m *Manager) Has(event string) bool {
	return m != nil && m.enabled && len(m.byEvent[event]) > 0
}

// Trigger runs the event's hooks one after another and joins their errors.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if !m.Has(event) {
		return nil
	}
	env := m.environ(event, data)

	var errs []error
	for _, h := range m.byEvent[event] {
		if err := m.run(ctx, h, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fire triggers event in the background. Failures are only logged.
func (m *Manager) Fire(event string, data map[string]interface{}) {
	if !m.Has(event) {
		return
	}
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		if err := m.Trigger(context.Background(), event, data); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("Hook failed")
		}
	}()
}

// Wait blocks until hooks started by Fire finish or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	if m == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, h Hook, env []string) error {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.Script)
	cmd.Env = append(slices.Clip(env), envPrefix+"ID="+h.ID)
	// A script that backgrounds a child would otherwise hold the pipe open.
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	text := clip(strings.TrimSpace(string(out)))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", h.Timeout)
		}
		if text == "" {
			return fmt.Errorf("hook %s: %w", h.ID, err)
		}
		return fmt.Errorf("hook %s: %w: %s", h.ID, err, text)
	}

	m.logger.Debug().Str("event", h.Event).Str("hook_id", h.ID).Str("output", text).Msg("Hook ran")
	return nil
}

// environ is the base environment plus P42R_HOOK_EVENT and one
// P42R_HOOK_DATA_<KEY> per data entry, in key order.
func (m *Manager) environ(event string, data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(m.env)+len(keys)+2)
	env = append(env, m.env...)
	env = append(env, envPrefix+"EVENT="+event)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%sDATA_%s=%v", envPrefix, normalizeEnvKey(k), data[k]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, strings.ToUpper(key))
}

func clip(s string) string {
	if len(s) <= maxLoggedOutput {
		return s
	}
	return s[:maxLoggedOutput] + "..."
}
