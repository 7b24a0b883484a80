package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/p42r/internal/observability"
	"github.com/harun/p42r/pkg/command"
	"github.com/harun/p42r/pkg/pairing"
)

const (
	verbHelp   = "help"
	verbJobs   = "jobs"
	verbCancel = "cancel"
	verbPair   = "pair"
	verbStart  = "start"
)

// ControlVerbs returns the verbs the engine answers itself. They must be
// reserved in the action registry.
func ControlVerbs() []string {
	return []string{verbHelp, verbJobs, verbCancel, verbPair, verbStart}
}

func isControlVerb(verb string) bool {
	switch verb {
	case verbHelp, verbJobs, verbCancel, verbPair, verbStart:
		return true
	}
	return false
}

func (e *Engine) handleControl(ctx context.Context, req command.Request) {
	switch req.Verb {
	case verbHelp, verbStart:
		e.reply(ctx, req.Identity, helpText(e.actions.Specs()))
	case verbJobs:
		e.reply(ctx, req.Identity, e.jobsText(req))
	case verbCancel:
		e.reply(ctx, req.Identity, e.cancelText(req))
	}
}

func (e *Engine) jobsText(req command.Request) string {
	scope := req.Identity
	if e.admins[req.Identity] && len(req.Args) > 0 && req.Args[0] == "all" {
		scope.Platform, scope.ID = "", ""
	}
	jobs := e.Active(scope)
	if len(jobs) == 0 {
		return "No running commands."
	}

	now := e.cfg.Now()
	var b strings.Builder
	for _, j := range jobs {
		since := j.CreatedAt
		if !j.StartedAt.IsZero() {
			since = j.StartedAt
		}
		fmt.Fprintf(&b, "%s  %-9s %s", j.ID, j.State, j.Verb)
		if len(j.Args) > 0 {
			fmt.Fprintf(&b, " %s", truncate(command.Join(j.Args), 40))
		}
		fmt.Fprintf(&b, "  (%s)", roundDuration(now.Sub(since)).Truncate(time.Second))
		if scope.IsZero() {
			fmt.Fprintf(&b, "  %s", j.Identity)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) cancelText(req command.Request) string {
	target := ""
	if len(req.Args) > 0 {
		target = req.Args[0]
	}

	switch target {
	case "all":
		n := e.CancelIdentity(req.Identity, ReasonCancelled)
		if n == 0 {
			return "No running commands."
		}
		return fmt.Sprintf("Cancelling %d command(s).", n)
	case "":
		jobs := e.Active(req.Identity)
		if len(jobs) == 0 {
			return "No running commands."
		}
		target = jobs[len(jobs)-1].ID
	}

	err := e.Cancel(req.Identity, target)
	switch {
	case err == nil:
		return fmt.Sprintf("Cancelling %s.", target)
	case errors.Is(err, ErrNotExecutionOwner), errors.Is(err, ErrExecutionNotFound):
		return fmt.Sprintf("No running command with id %s.", target)
	}
	return "Could not cancel the command."
}

// handlePair answers the pair verb. It is reachable without authorization.
func (e *Engine) handlePair(ctx context.Context, req command.Request) {
	if e.sessions.IsAuthorized(req.Identity) {
		e.reply(ctx, req.Identity, "Already paired.")
		return
	}
	if e.pairing == nil {
		e.reply(ctx, req.Identity, msgNotAuthorized)
		return
	}

	pending, created, err := e.pairing.EnsurePending(req.Identity)
	switch {
	case errors.Is(err, pairing.ErrAlreadyAllowlisted):
		e.reply(ctx, req.Identity, "Already paired.")
		return
	case errors.Is(err, pairing.ErrPendingLimitReached):
		e.reply(ctx, req.Identity, "Too many pairing requests are waiting. Try again later.")
		return
	case err != nil:
		e.logger.Error().Err(err).Str("identity", req.Identity.String()).Msg("Failed to create pairing request")
		e.reply(ctx, req.Identity, msgInternalError)
		return
	}

	if created {
		observability.RecordAuthAudit(ctx, "pairing_requested", req.Identity.String(), "pending", map[string]interface{}{
			"expires_at": pending.ExpiresAt,
		})
		e.logger.Info().
			Str("identity", req.Identity.String()).
			Str("code", pending.Code).
			Msg("Pairing requested")
	}
	e.reply(ctx, req.Identity, fmt.Sprintf(
		"Pairing code: %s\nOn the host, run: p42r pairing approve %s",
		pending.Code, pending.Code,
	))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
