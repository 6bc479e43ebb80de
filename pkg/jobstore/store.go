// Package jobstore archives terminal jobs and their log histories to a
// local SQLite database. The live registry stays in memory; this is the
// explicit reclaim destination, queryable after the fact.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kryahq/kryad/pkg/joblog"
	"github.com/kryahq/kryad/pkg/jobs"
)

// ErrNotFound is returned when an archived job does not exist.
var ErrNotFound = errors.New("archived job not found")

// Store wraps the archive database.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the archive database and applies the
// schema. Parent directories are created for local paths.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("jobstore path is required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	// WAL and busy_timeout for predictable behavior with a concurrent reader.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil && path != ":memory:" {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the archive database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archived_jobs (
			job_id        TEXT PRIMARY KEY,
			prompt        TEXT NOT NULL,
			state         TEXT NOT NULL,
			max_retries   INTEGER NOT NULL,
			attempt_count INTEGER NOT NULL,
			last_error    TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL,
			ended_at      TIMESTAMP,
			archived_at   TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS archived_events (
			job_id  TEXT NOT NULL,
			seq     INTEGER NOT NULL,
			ts      TIMESTAMP NOT NULL,
			level   TEXT NOT NULL,
			message TEXT NOT NULL,
			PRIMARY KEY (job_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archived_jobs_ended_at
			ON archived_jobs (ended_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate archive schema: %w", err)
		}
	}
	return nil
}

// Archive writes one terminal job and its buffered events in a single
// transaction. Re-archiving the same job id replaces the previous rows.
func (s *Store) Archive(ctx context.Context, snap jobs.Snapshot, history []joblog.Event) error {
	if !snap.State.Terminal() {
		return fmt.Errorf("refusing to archive non-terminal job %s (state=%s)", snap.ID, snap.State)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO archived_jobs
			(job_id, prompt, state, max_retries, attempt_count, last_error, created_at, ended_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Prompt, string(snap.State), snap.MaxRetries, snap.AttemptCount,
		snap.LastError, snap.CreatedAt, snap.EndedAt, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert archived job: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM archived_events WHERE job_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("clear archived events: %w", err)
	}
	for seq, ev := range history {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archived_events (job_id, seq, ts, level, message)
			 VALUES (?, ?, ?, ?, ?)`,
			snap.ID, seq, ev.Timestamp, string(ev.Level), ev.Message,
		); err != nil {
			return fmt.Errorf("insert archived event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

// Get loads one archived job and its event history.
func (s *Store) Get(ctx context.Context, jobID string) (jobs.Snapshot, []joblog.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, prompt, state, max_retries, attempt_count, last_error, created_at, ended_at
		 FROM archived_jobs WHERE job_id = ?`, jobID)

	var snap jobs.Snapshot
	var state string
	var endedAt sql.NullTime
	err := row.Scan(&snap.ID, &snap.Prompt, &state, &snap.MaxRetries,
		&snap.AttemptCount, &snap.LastError, &snap.CreatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Snapshot{}, nil, ErrNotFound
	}
	if err != nil {
		return jobs.Snapshot{}, nil, fmt.Errorf("scan archived job: %w", err)
	}
	snap.State = jobs.State(state)
	if endedAt.Valid {
		t := endedAt.Time
		snap.EndedAt = &t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, level, message FROM archived_events
		 WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return jobs.Snapshot{}, nil, fmt.Errorf("query archived events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []joblog.Event
	for rows.Next() {
		ev := joblog.Event{JobID: jobID}
		var level string
		if err := rows.Scan(&ev.Timestamp, &level, &ev.Message); err != nil {
			return jobs.Snapshot{}, nil, fmt.Errorf("scan archived event: %w", err)
		}
		ev.Level = joblog.Level(level)
		history = append(history, ev)
	}
	if err := rows.Err(); err != nil {
		return jobs.Snapshot{}, nil, fmt.Errorf("iterate archived events: %w", err)
	}
	return snap, history, nil
}

// List returns archived jobs, most recently ended first.
func (s *Store) List(ctx context.Context, limit int) ([]jobs.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, prompt, state, max_retries, attempt_count, last_error, created_at, ended_at
		 FROM archived_jobs ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query archived jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []jobs.Snapshot
	for rows.Next() {
		var snap jobs.Snapshot
		var state string
		var endedAt sql.NullTime
		if err := rows.Scan(&snap.ID, &snap.Prompt, &state, &snap.MaxRetries,
			&snap.AttemptCount, &snap.LastError, &snap.CreatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan archived job: %w", err)
		}
		snap.State = jobs.State(state)
		if endedAt.Valid {
			t := endedAt.Time
			snap.EndedAt = &t
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
