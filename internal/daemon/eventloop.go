package daemon

import (
	"context"
	"time"

	"github.com/harun/p42r/internal/observability"
	"github.com/harun/p42r/pkg/cron"
	"github.com/harun/p42r/pkg/handlers"
	"github.com/harun/p42r/pkg/platform"
)

const (
	jobCaptureCleanup = "capture-cleanup"
	jobJournalPrune   = "journal-prune"
	jobPairingExpiry  = "pairing-expiry"
	jobSessionPrune   = "session-prune"
	jobGauges         = "gauges"
)

// registerMaintenance adds the periodic housekeeping jobs. Jobs with an empty
// spec are skipped by the scheduler.
func (d *Daemon) registerMaintenance() error {
	m := d.config.Maintenance
	jobs := []struct {
		name string
		spec string
		fn   cron.Func
	}{
		{jobCaptureCleanup, m.CaptureCleanup, d.cleanupCaptures},
		{jobPairingExpiry, m.PairingExpiry, d.expirePairingCodes},
		{jobSessionPrune, m.SessionPrune, d.pruneSessions},
		{jobGauges, "@every 30s", d.updateGauges},
	}
	if d.journal != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			fn   cron.Func
		}{jobJournalPrune, m.JournalPrune, d.pruneJournal})
	}

	for _, job := range jobs {
		if err := d.scheduler.Add(job.name, job.spec, job.fn); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) cleanupCaptures(_ context.Context) error {
	n, err := handlers.CleanupCaptures(d.config.Capture.Dir, d.config.Capture.MaxAge, time.Now())
	if n > 0 {
		d.logger.Info().Int("removed", n).Msg("Removed stale screenshots")
	}
	return err
}

func (d *Daemon) pruneJournal(ctx context.Context) error {
	cutoff := time.Now().Add(-d.config.Journal.Retention)
	n, err := d.journal.Prune(ctx, cutoff)
	if n > 0 {
		d.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Pruned journal")
	}
	return err
}

func (d *Daemon) expirePairingCodes(_ context.Context) error {
	if n := d.store.CleanupExpired(); n > 0 {
		d.logger.Info().Int("expired", n).Msg("Expired pairing codes")
	}
	return nil
}

func (d *Daemon) pruneSessions(_ context.Context) error {
	if n := d.sessions.Prune(d.config.Maintenance.SessionIdle); n > 0 {
		d.logger.Debug().Int("pruned", n).Msg("Pruned idle sessions")
	}
	return nil
}

func (d *Daemon) updateGauges(_ context.Context) error {
	observability.SetActiveSessions(len(d.sessions.Snapshot()))
	observability.SetSupervisedProcesses(d.supervisor.Live())

	if running := len(d.engine.Active(platform.Identity{})); running > 0 {
		d.logger.Debug().Int("executions", running).Int("lanes", d.outbox.Pending()).Msg("Engine stats")
	}
	return nil
}

func (d *Daemon) logSchedulerEvent(e cron.Event) {
	log := d.logger.Zerolog()
	switch {
	case e.Action == cron.EventActionFinished && e.Error != "":
		log.Warn().Str("job", e.Job).Str("error", e.Error).Dur("duration", e.Duration).Msg("Maintenance job failed")
	case e.Action == cron.EventActionSkipped:
		log.Debug().Str("job", e.Job).Msg("Maintenance job still running, skipped")
	default:
		log.Trace().Str("job", e.Job).Str("action", string(e.Action)).Msg("Maintenance job event")
	}
}
