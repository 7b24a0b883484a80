package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobNames(d *Daemon) []string {
	var names []string
	for _, j := range d.GetScheduler().Jobs() {
		names = append(names, j.Name)
	}
	return names
}

func TestRegisterMaintenance(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.journal.Close()

	assert.Equal(t, []string{jobCaptureCleanup, jobGauges, jobJournalPrune, jobPairingExpiry, jobSessionPrune}, jobNames(d))
}

func TestRegisterMaintenance_NoJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = false
	cfg.Maintenance.SessionPrune = ""
	d := createTestDaemon(t, cfg)

	names := jobNames(d)
	assert.NotContains(t, names, jobJournalPrune)
	assert.NotContains(t, names, jobSessionPrune)
	assert.Contains(t, names, jobGauges)
}

func TestMaintenance_CaptureCleanup(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	defer d.journal.Close()

	require.NoError(t, os.MkdirAll(cfg.Capture.Dir, 0o700))
	stale := filepath.Join(cfg.Capture.Dir, "p42r_stale.png")
	fresh := filepath.Join(cfg.Capture.Dir, "p42r_fresh.png")
	other := filepath.Join(cfg.Capture.Dir, "keep.png")
	for _, p := range []string{stale, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("png"), 0o600))
	}
	old := time.Now().Add(-2 * cfg.Capture.MaxAge)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	require.NoError(t, d.GetScheduler().RunNow(jobCaptureCleanup))

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestMaintenance_JournalPrune(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	defer d.journal.Close()

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, d.journal.Record(ctx, journal.Entry{
		ID: "old", Identity: "local:laptop", Verb: "ps", State: "succeeded",
		CreatedAt: now.Add(-2 * cfg.Journal.Retention), EndedAt: now.Add(-2 * cfg.Journal.Retention),
	}))
	require.NoError(t, d.journal.Record(ctx, journal.Entry{
		ID: "new", Identity: "local:laptop", Verb: "ps", State: "succeeded",
		CreatedAt: now, EndedAt: now,
	}))

	require.NoError(t, d.GetScheduler().RunNow(jobJournalPrune))

	entries, err := d.journal.List(ctx, journal.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].ID)
}

func TestMaintenance_SessionPrune(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.SessionIdle = time.Nanosecond
	d := createTestDaemon(t, cfg)
	defer d.journal.Close()

	d.sessions.Touch(platform.Identity{Platform: "telegram", ID: "99"})
	require.Len(t, d.sessions.Snapshot(), 1)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, d.GetScheduler().RunNow(jobSessionPrune))
	assert.Empty(t, d.sessions.Snapshot())
}

func TestMaintenance_PairingExpiryAndGauges(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.journal.Close()

	_, created, err := d.store.EnsurePending(platform.Identity{Platform: "telegram", ID: "7"})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, d.GetScheduler().RunNow(jobPairingExpiry))
	assert.Len(t, d.store.ListPending(), 1, "unexpired codes survive")

	require.NoError(t, d.GetScheduler().RunNow(jobGauges))

	for _, j := range d.GetScheduler().Jobs() {
		if j.Name == jobPairingExpiry || j.Name == jobGauges {
			assert.Equal(t, 1, j.State.Runs, j.Name)
			assert.Equal(t, "ok", j.State.LastStatus, j.Name)
		}
	}
}
