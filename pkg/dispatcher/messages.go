package dispatcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/command"
	"github.com/harun/p42r/pkg/session"
)

const (
	msgNotAuthorized = "Not authorized."
	msgShuttingDown  = "The agent is shutting down. Try again later."
	msgInternalError = "Command failed with an internal error."
)

func parseErrorText(err error) string {
	var perr *command.ParseError
	if errors.As(err, &perr) {
		switch perr.Kind {
		case command.UnknownVerb:
			return fmt.Sprintf("Unknown command %q. Send \"help\" for the list of commands.", perr.Verb)
		case command.MalformedArguments:
			if perr.Detail != "" {
				return fmt.Sprintf("Could not parse the command: %s.", perr.Detail)
			}
		}
	}
	return "Could not parse the command."
}

func rejectionText(err error, maxConcurrent int) (string, string) {
	var rej *session.Rejection
	if errors.As(err, &rej) {
		switch rej.Reason {
		case session.RateLimited:
			// Rate limiting is an authorization decision and gets the same
			// terse reply; the reason stays in the journal and metrics.
			return ReasonRateLimited, msgNotAuthorized
		case session.TooManyConcurrent:
			return ReasonTooManyConcurrent, fmt.Sprintf("Too many commands running (limit %d). Wait for one to finish or cancel it.", maxConcurrent)
		case session.Unauthorized:
			return ReasonUnauthorized, msgNotAuthorized
		}
	}
	return ReasonUnauthorized, msgNotAuthorized
}

func validationText(err error) string {
	var verr *action.ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	return err.Error()
}

// statusLine describes how an execution ended.
func statusLine(info Info, detail string) string {
	switch info.State {
	case StateSucceeded:
		return fmt.Sprintf("Done in %s.", roundDuration(info.Duration()))
	case StateTimedOut:
		return fmt.Sprintf("Timed out after %s.", roundDuration(info.Timeout))
	case StateCancelled:
		switch info.Reason {
		case ReasonRevoked:
			return "Cancelled: access was revoked."
		case ReasonShutdown:
			return "Cancelled: the agent is shutting down."
		}
		return "Cancelled."
	}

	switch info.Reason {
	case ReasonExitStatus:
		if detail != "" {
			return fmt.Sprintf("Exited on signal %s.", detail)
		}
		return fmt.Sprintf("Exited with status %d.", info.ExitCode)
	case ReasonValidation:
		return detail
	case ReasonQueueTimeout:
		return "Gave up waiting for a free slot."
	case ReasonCancelled:
		return "Cancelled before it started."
	case ReasonRevoked:
		return msgNotAuthorized
	case ReasonShutdown:
		return msgShuttingDown
	}
	return msgInternalError
}

func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second)
	case d >= time.Second:
		return d.Round(100 * time.Millisecond)
	default:
		return d.Round(time.Millisecond)
	}
}

func helpText(specs []action.Spec) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, s := range specs {
		usage := s.Usage
		if usage == "" {
			usage = s.Verb
		}
		fmt.Fprintf(&b, "  %s", usage)
		if s.Summary != "" {
			fmt.Fprintf(&b, " - %s", s.Summary)
		}
		if len(s.Aliases) > 0 {
			fmt.Fprintf(&b, " (also: %s)", strings.Join(s.Aliases, ", "))
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nControl:\n")
	b.WriteString("  jobs - list your running commands\n")
	b.WriteString("  cancel [id|all] - cancel a running command\n")
	b.WriteString("  help - show this message\n")
	b.WriteString("\nAdd --timeout=30s after a command name to change its timeout.")
	return b.String()
}
