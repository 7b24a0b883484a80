package daemon

import (
	"context"

	"github.com/harun/p42r/pkg/dispatcher"
	"github.com/harun/p42r/pkg/hooks"
	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/pairing"
	"github.com/harun/p42r/pkg/platform"
)

// notifyingPairer fires pairing:requested when a new code is issued, so the
// host user learns the code without watching the log.
type notifyingPairer struct {
	next  dispatcher.Pairer
	hooks *hooks.Manager
}

func (p *notifyingPairer) EnsurePending(id platform.Identity) (pairing.PendingRequest, bool, error) {
	req, created, err := p.next.EnsurePending(id)
	if err == nil && created {
		p.hooks.Fire(hooks.EventPairingRequested, map[string]interface{}{
			"identity":   req.Identity,
			"code":       req.Code,
			"expires_at": req.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return req, created, err
}

// notifyingJournal fires execution:finished for every completion record and
// forwards it to the journal when one is open.
type notifyingJournal struct {
	next  dispatcher.Journal
	hooks *hooks.Manager
}

func (j *notifyingJournal) Record(ctx context.Context, e journal.Entry) error {
	j.hooks.Fire(hooks.EventExecutionFinished, map[string]interface{}{
		"id":        e.ID,
		"identity":  e.Identity,
		"verb":      e.Verb,
		"args":      e.Args,
		"state":     e.State,
		"reason":    e.Reason,
		"exit_code": e.ExitCode,
	})
	if j.next == nil {
		return nil
	}
	return j.next.Record(ctx, e)
}
