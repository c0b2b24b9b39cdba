// Package state manages the SQLite ledger of sync attempts. Each row records
// one matchup sync: what triggered it, how far it got, and what it uploaded.
//
// The ledger is diagnostic only. Sync decisions never read it, so losing the
// database loses history and nothing else.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_runs (
    id             TEXT    PRIMARY KEY,
    trigger_id     TEXT    NOT NULL DEFAULT '',
    trigger_source TEXT    NOT NULL,
    user_id        TEXT    NOT NULL,
    matchup_id     TEXT    NOT NULL,
    outcome        TEXT    NOT NULL,
    stage          TEXT    NOT NULL DEFAULT '',
    workouts       INTEGER NOT NULL DEFAULT 0,
    measurements   INTEGER NOT NULL DEFAULT 0,
    error          TEXT    NOT NULL DEFAULT '',
    started_at     TEXT    NOT NULL,
    finished_at    TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_matchup ON sync_runs (matchup_id, user_id, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_started ON sync_runs (started_at);
`

// Outcome values stored in sync_runs.outcome.
const (
	OutcomeDone    = "done"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Run is one recorded sync attempt for a single matchup.
type Run struct {
	ID            string
	TriggerID     string
	TriggerSource string
	UserID        string
	MatchupID     string
	Outcome       string
	// Stage is the stage that failed. Empty unless Outcome is failed.
	Stage        string
	Workouts     int
	Measurements int
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration is FinishedAt - StartedAt, or zero when unfinished.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the SQLite-backed run ledger.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the ledger database:
// ~/.local/share/healthrelay/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "healthrelay", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// RecordRun inserts run. An empty ID is replaced with a fresh UUID and
// written back to run.
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO sync_runs
		    (id, trigger_id, trigger_source, user_id, matchup_id, outcome, stage,
		     workouts, measurements, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		run.ID,
		run.TriggerID,
		run.TriggerSource,
		run.UserID,
		run.MatchupID,
		run.Outcome,
		run.Stage,
		run.Workouts,
		run.Measurements,
		run.Error,
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("recording run for matchup %s: %w", run.MatchupID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	const q = `
		SELECT id, trigger_id, trigger_source, user_id, matchup_id, outcome, stage,
		       workouts, measurements, error, started_at, finished_at
		FROM sync_runs ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastSuccess returns the newest completed run for the matchup and user,
// or (nil, nil) if there is none.
func (s *Store) LastSuccess(ctx context.Context, matchupID, userID string) (*Run, error) {
	const q = `
		SELECT id, trigger_id, trigger_source, user_id, matchup_id, outcome, stage,
		       workouts, measurements, error, started_at, finished_at
		FROM sync_runs
		WHERE matchup_id = ? AND user_id = ? AND outcome = ?
		ORDER BY started_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, matchupID, userID, OutcomeDone)
	return scanRun(row)
}

// CountByOutcome returns the number of runs per outcome since the given time.
func (s *Store) CountByOutcome(ctx context.Context, since time.Time) (map[string]int, error) {
	const q = `SELECT outcome, COUNT(*) FROM sync_runs WHERE started_at >= ? GROUP BY outcome`
	rows, err := s.db.QueryContext(ctx, q, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning run count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// Prune deletes runs that started before cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanRun can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var startedAt, finishedAt string

	err := s.Scan(
		&run.ID,
		&run.TriggerID,
		&run.TriggerSource,
		&run.UserID,
		&run.MatchupID,
		&run.Outcome,
		&run.Stage,
		&run.Workouts,
		&run.Measurements,
		&run.Error,
		&startedAt,
		&finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run row: %w", err)
	}

	run.StartedAt, _ = parseTime(startedAt)
	run.FinishedAt, _ = parseTime(finishedAt)

	return &run, nil
}

// formatTime uses a fixed-width layout so lexical order in SQLite matches
// chronological order.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
