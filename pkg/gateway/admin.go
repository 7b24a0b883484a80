package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/harun/p42r/pkg/dispatcher"
	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/platform"
)

type executionView struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Verb        string    `json:"verb"`
	Args        []string  `json:"args"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Timeout     string    `json:"timeout"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	BytesOut    int64     `json:"bytes_out"`
	MessagesOut int       `json:"messages_out"`
}

type sessionView struct {
	Identity    string    `json:"identity"`
	Status      string    `json:"status"`
	ActiveSlots int       `json:"active_slots"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeen    time.Time `json:"last_seen"`
}

func newExecutionView(info dispatcher.Info) executionView {
	args := info.Args
	if args == nil {
		args = []string{}
	}
	return executionView{
		ID:          info.ID,
		Identity:    info.Identity.String(),
		Verb:        info.Verb,
		Args:        args,
		State:       string(info.State),
		Reason:      info.Reason,
		Timeout:     info.Timeout.String(),
		CreatedAt:   info.CreatedAt,
		StartedAt:   info.StartedAt,
		BytesOut:    info.BytesOut,
		MessagesOut: info.MessagesOut,
	}
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Executions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "executions unavailable"})
		return
	}

	var filter platform.Identity
	if raw := r.URL.Query().Get("identity"); raw != "" {
		id, err := platform.ParseIdentity(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter = id
	}

	infos := s.cfg.Executions.Active(filter)
	views := make([]executionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, newExecutionView(info))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": views})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Identity: q.Get("identity"),
		Verb:     q.Get("verb"),
		State:    q.Get("state"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		since, err := parseSince(raw, time.Now())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		filter.Since = since
	}

	entries, err := s.cfg.History.List(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list history"})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// parseSince accepts RFC 3339 timestamps or a look-back duration like "24h".
func parseSince(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sessions unavailable"})
		return
	}
	infos := s.cfg.Sessions.Snapshot()
	views := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, sessionView{
			Identity:    info.Identity.String(),
			Status:      string(info.Status),
			ActiveSlots: info.ActiveSlots,
			CreatedAt:   info.CreatedAt,
			LastSeen:    info.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": s.clients.Infos()})
}
