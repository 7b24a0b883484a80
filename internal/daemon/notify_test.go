package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/p42r/internal/config"
	"github.com/harun/p42r/internal/logger"
	"github.com/harun/p42r/pkg/hooks"
	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/pairing"
	"github.com/harun/p42r/pkg/platform"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingJournal struct {
	entries []journal.Entry
}

func (r *recordingJournal) Record(_ context.Context, e journal.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func waitHooks(t *testing.T, m *hooks.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func TestNotifyingPairer(t *testing.T) {
	out := filepath.Join(t.TempDir(), "code.txt")
	m, err := hooks.NewManager(hooks.Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []hooks.Hook{{
			Event:   hooks.EventPairingRequested,
			Script:  `echo "$P42R_HOOK_DATA_IDENTITY $P42R_HOOK_DATA_CODE" >> ` + out,
			Enabled: true,
		}},
	})
	require.NoError(t, err)

	store, err := pairing.NewStore(pairing.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	p := &notifyingPairer{next: store, hooks: m}

	id := platform.Identity{Platform: "telegram", ID: "42"}
	req, created, err := p.EnsurePending(id)
	require.NoError(t, err)
	require.True(t, created)

	// Asking again returns the same code without a second notification.
	_, created, err = p.EnsurePending(id)
	require.NoError(t, err)
	assert.False(t, created)

	waitHooks(t, m)
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "telegram:42 "+req.Code+"\n", string(content))
}

func TestNotifyingJournal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "done.txt")
	m, err := hooks.NewManager(hooks.Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []hooks.Hook{{
			Event:   hooks.EventExecutionFinished,
			Script:  `echo "$P42R_HOOK_DATA_VERB $P42R_HOOK_DATA_STATE $P42R_HOOK_DATA_EXIT_CODE" > ` + out,
			Enabled: true,
		}},
	})
	require.NoError(t, err)

	next := &recordingJournal{}
	j := &notifyingJournal{next: next, hooks: m}
	require.NoError(t, j.Record(context.Background(), journal.Entry{ID: "x", Verb: "exec", State: "failed", ExitCode: 2}))

	waitHooks(t, m)
	require.Len(t, next.entries, 1)
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "exec failed 2\n", string(content))

	noJournal := &notifyingJournal{hooks: m}
	assert.NoError(t, noJournal.Record(context.Background(), journal.Entry{ID: "y"}))
	waitHooks(t, m)
}

func TestNew_Hooks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hooks.Enabled = true
	cfg.Hooks.Hooks = []config.HookConfig{
		{Event: hooks.EventExecutionFinished, Script: "true", Enabled: true},
	}
	d := createTestDaemon(t, cfg)
	defer d.journal.Close()
	assert.True(t, d.hooks.Has(hooks.EventExecutionFinished))
	assert.False(t, d.hooks.Has(hooks.EventPairingRequested))

	cfg = testConfig(t)
	cfg.Hooks.Enabled = true
	cfg.Hooks.Hooks = []config.HookConfig{{Event: "bogus", Script: "true", Enabled: true}}
	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	defer log.Close()
	_, err = New(cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid hooks")
}
