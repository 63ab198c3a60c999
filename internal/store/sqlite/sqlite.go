// Package sqlite is the local agent's embedded store: periodic-task
// bookkeeping (last-run timestamps, nag counters), reminders, restart-queue
// and injection-queue persistence across process restarts, all in one
// embedded database under the .bot directory.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the local .bot/dotbot.db database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS periodic_task_state (
			name TEXT PRIMARY KEY,
			last_run_at INTEGER NOT NULL DEFAULT 0,
			run_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			message TEXT NOT NULL,
			scheduled_for INTEGER NOT NULL,
			priority TEXT NOT NULL DEFAULT 'P2',
			status TEXT NOT NULL DEFAULT 'scheduled',
			created_at INTEGER NOT NULL,
			triggered_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS restart_queue (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			queued_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS injection_queue (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			text TEXT NOT NULL,
			queued_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

// LastRun returns the last recorded run time for a named periodic task, or
// the zero time if it has never run.
func (s *Store) LastRun(name string) (time.Time, error) {
	var unixMilli int64
	row := s.db.QueryRow(`SELECT last_run_at FROM periodic_task_state WHERE name = ?`, name)
	err := row.Scan(&unixMilli)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if unixMilli == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(unixMilli), nil
}

// RecordRun upserts the last-run timestamp and increments the run count,
// used by the onboarding-check task's "once per day" nag limit.
func (s *Store) RecordRun(name string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO periodic_task_state (name, last_run_at, run_count) VALUES (?, ?, 1)
		 ON CONFLICT(name) DO UPDATE SET last_run_at = excluded.last_run_at, run_count = run_count + 1`,
		name, at.UnixMilli(),
	)
	return err
}

func (s *Store) RunCount(name string) (int, error) {
	var n int
	row := s.db.QueryRow(`SELECT run_count FROM periodic_task_state WHERE name = ?`, name)
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
