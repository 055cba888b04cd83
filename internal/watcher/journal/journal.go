// Package journal keeps an append-only history of dispatched runs in
// SQLite. The state file only remembers the last run per conversation; the
// journal is where operators look up what actually happened over time. It is
// never on the critical path: write failures are logged by callers and do
// not block event processing.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one dispatched run.
type Entry struct {
	ID         string
	Repo       string
	Number     int
	Source     string
	Intent     string
	Resume     bool
	RunID      string
	CodexRunID string
	ReturnCode int
	OK         bool
	DurationMS int64
	CreatedAt  time.Time
}

// Journal wraps the SQLite connection.
type Journal struct {
	conn *sql.DB
}

// Open opens (creating if needed) the journal database and applies
// migrations.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal pragmas: %w", err)
	}

	j := &Journal{conn: conn}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			repo TEXT NOT NULL,
			number INTEGER NOT NULL,
			source TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			resume INTEGER NOT NULL DEFAULT 0,
			run_id TEXT NOT NULL,
			codex_run_id TEXT NOT NULL DEFAULT '',
			returncode INTEGER NOT NULL,
			ok INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_repo_created ON runs(repo, created_at DESC);
	`)
	return err
}

// Close closes the underlying connection.
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Record appends one run to the journal. ID and CreatedAt are filled in when
// zero.
func (j *Journal) Record(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := j.conn.Exec(`
		INSERT INTO runs (id, repo, number, source, intent, resume, run_id, codex_run_id, returncode, ok, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Repo, e.Number, e.Source, e.Intent, boolInt(e.Resume),
		e.RunID, e.CodexRunID, e.ReturnCode, boolInt(e.OK), e.DurationMS, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest runs, optionally filtered by repository.
func (j *Journal) RecentRuns(repo string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, repo, number, source, intent, resume, run_id, codex_run_id, returncode, ok, duration_ms, created_at
		FROM runs`
	args := []any{}
	if repo != "" {
		query += ` WHERE repo = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var resume, ok int
		if err := rows.Scan(&e.ID, &e.Repo, &e.Number, &e.Source, &e.Intent, &resume,
			&e.RunID, &e.CodexRunID, &e.ReturnCode, &ok, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		e.Resume = resume != 0
		e.OK = ok != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
