// Package postgres stores run records and attempt logs in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/deepnoodle-ai/podflow"
)

// Confirm the interfaces are implemented correctly.
var (
	_ podflow.RunStore      = (*Store)(nil)
	_ podflow.RunLocker     = (*Store)(nil)
	_ podflow.AttemptLogger = (*Store)(nil)
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS podflow_runs (
    run_id     TEXT PRIMARY KEY,
    pipeline   TEXT NOT NULL,
    request    TEXT NOT NULL,
    status     TEXT NOT NULL,
    record     JSONB NOT NULL,
    start_time TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS podflow_runs_start_time ON podflow_runs (start_time DESC);

CREATE TABLE IF NOT EXISTS podflow_attempts (
    id         TEXT PRIMARY KEY,
    seq        BIGSERIAL,
    run_id     TEXT NOT NULL,
    stage      TEXT NOT NULL,
    attempt    INTEGER NOT NULL,
    fallback   BOOLEAN NOT NULL DEFAULT FALSE,
    kind       TEXT,
    entry      JSONB NOT NULL,
    start_time TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS podflow_attempts_run ON podflow_attempts (run_id, seq);
`

// Store persists runs in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the database described by dsn and creates the tables
// the store needs.
func Open(ctx context.Context, dsn string) (*Store, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{db: db}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun upserts the latest record of a run.
func (s *Store) SaveRun(ctx context.Context, record *podflow.RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	var start any
	if !record.StartTime.IsZero() {
		start = record.StartTime
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO podflow_runs (run_id, pipeline, request, status, record, start_time, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7)
         ON CONFLICT (run_id) DO UPDATE SET
             status = EXCLUDED.status,
             record = EXCLUDED.record,
             start_time = EXCLUDED.start_time,
             updated_at = EXCLUDED.updated_at`,
		record.RunID, record.Pipeline, record.Request, string(record.Status), data, start, time.Now().UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("save run %s: %w", record.RunID, err))
	}
	return nil
}

// LoadRun loads the latest record of a run.
func (s *Store) LoadRun(ctx context.Context, runID string) (*podflow.RunRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM podflow_runs WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", podflow.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("load run %s: %w", runID, err))
	}
	var record podflow.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return &record, nil
}

// DeleteRun removes a run and its attempt log.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM podflow_attempts WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete attempts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM podflow_runs WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return tx.Commit()
}

// ListRuns returns summaries of all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*podflow.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM podflow_runs ORDER BY start_time DESC NULLS LAST`)
	if err != nil {
		return nil, classify(fmt.Errorf("list runs: %w", err))
	}
	defer rows.Close()

	summaries := []*podflow.RunSummary{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var record podflow.RunRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		summaries = append(summaries, record.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	podflow.SortSummaries(summaries)
	return summaries, nil
}

// Lock takes a session-level advisory lock on the run. The lock lives on a
// dedicated connection that is returned to the pool on unlock, and the
// server releases it if the process dies.
func (s *Store) Lock(ctx context.Context, runID string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("acquire connection: %w", err))
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, runID).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, classify(fmt.Errorf("acquire run lock: %w", err))
	}
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s is locked by another process", podflow.ErrRunActive, runID)
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, runID)
		_ = conn.Close()
	}, nil
}

// LogAttempt appends one attempt to the run's log.
func (s *Store) LogAttempt(ctx context.Context, entry *podflow.AttemptLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	var kind any
	if entry.Kind != "" {
		kind = string(entry.Kind)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO podflow_attempts (id, run_id, stage, attempt, fallback, kind, entry, start_time)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.RunID, entry.Stage, entry.Attempt, entry.Fallback, kind, data, entry.StartTime.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("log attempt: %w", err))
	}
	return nil
}

// GetAttemptHistory returns the attempts of a run in the order they were
// logged.
func (s *Store) GetAttemptHistory(ctx context.Context, runID string) ([]*podflow.AttemptLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry FROM podflow_attempts WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, classify(fmt.Errorf("query attempts: %w", err))
	}
	defer rows.Close()

	entries := []*podflow.AttemptLogEntry{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var entry podflow.AttemptLogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// classify tags connection-level failures as unavailable so that callers
// see them as transient.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return podflow.Unavailable("postgres", err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) {
		return podflow.Unavailable("postgres", err)
	}
	return err
}
