// Package journal keeps a SQLite record of finished executions for the
// history command and the admin API.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/p42r/internal/tracing"
)

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 50

var ErrClosed = errors.New("journal is closed")

// Entry is one finished execution.
type Entry struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Verb        string    `json:"verb"`
	Args        string    `json:"args"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	ExitCode    int       `json:"exit_code"`
	BytesOut    int64     `json:"bytes_out"`
	MessagesOut int       `json:"messages_out"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Identity string
	Verb     string
	State    string
	Since    time.Time
	Limit    int
}

// Journal is a SQLite backed execution log.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the journal database at path.
func Open(path string, logger zerolog.Logger) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// A single writer connection keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			verb TEXT NOT NULL,
			args TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			messages_out INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			ended_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_identity ON executions(identity);
		CREATE INDEX IF NOT EXISTS idx_executions_ended ON executions(ended_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record stores an entry, replacing any earlier entry with the same id.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if j.db == nil {
		return ErrClosed
	}
	ctx, span := tracing.StartSpan(ctx, "p42r.journal", "journal.record",
		attribute.String("execution_id", e.ID),
		attribute.String("state", e.State),
	)
	defer span.End()

	var started sql.NullInt64
	if !e.StartedAt.IsZero() {
		started = sql.NullInt64{Int64: e.StartedAt.UnixMilli(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions
			(id, identity, verb, args, state, reason, exit_code, bytes_out, messages_out, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Identity, e.Verb, e.Args, e.State, e.Reason, e.ExitCode, e.BytesOut, e.MessagesOut,
		e.CreatedAt.UnixMilli(), started, e.EndedAt.UnixMilli(),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to record execution %s: %w", e.ID, err)
	}
	return nil
}

// List returns entries matching f, newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	if j.db == nil {
		return nil, ErrClosed
	}

	var (
		where []string
		args  []interface{}
	)
	if f.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, f.Identity)
	}
	if f.Verb != "" {
		where = append(where, "verb = ?")
		args = append(args, f.Verb)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if !f.Since.IsZero() {
		where = append(where, "ended_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT id, identity, verb, args, state, reason, exit_code, bytes_out, messages_out,
		created_at, started_at, ended_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ended_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e              Entry
			created, ended int64
			started        sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Identity, &e.Verb, &e.Args, &e.State, &e.Reason, &e.ExitCode,
			&e.BytesOut, &e.MessagesOut, &created, &started, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		e.EndedAt = time.UnixMilli(ended)
		if started.Valid {
			e.StartedAt = time.UnixMilli(started.Int64)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries that ended before cutoff and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if j.db == nil {
		return 0, ErrClosed
	}
	res, err := j.db.ExecContext(ctx, "DELETE FROM executions WHERE ended_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Pruned execution journal")
	}
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
