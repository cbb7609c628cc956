// Package sqlite stores run records and attempt logs in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/retry"
)

// Confirm the interfaces are implemented correctly.
var (
	_ podflow.RunStore      = (*Store)(nil)
	_ podflow.AttemptLogger = (*Store)(nil)
)

// Store persists runs backed by SQLite.
type Store struct {
	db      *sql.DB
	path    string
	retries int
}

// Open creates or connects to the database at path and prepares its schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, retries: 5}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// write runs fn, retrying while the database reports it is busy.
func (s *Store) write(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, fn, retry.WithMaxRetries(s.retries), retry.WithBaseWait(20*time.Millisecond))
}

// SaveRun upserts the latest record of a run.
func (s *Store) SaveRun(ctx context.Context, record *podflow.RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO runs (run_id, pipeline, request, status, record, start_time, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(run_id) DO UPDATE SET
                 status = excluded.status,
                 record = excluded.record,
                 start_time = excluded.start_time,
                 updated_at = excluded.updated_at`,
			record.RunID,
			record.Pipeline,
			record.Request,
			record.Status,
			string(data),
			nullableTime(record.StartTime),
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("save run %s: %w", record.RunID, err)
		}
		return nil
	})
}

// LoadRun loads the latest record of a run.
func (s *Store) LoadRun(ctx context.Context, runID string) (*podflow.RunRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", podflow.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return decodeRecord(data)
}

// DeleteRun removes a run and its attempt log.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return s.write(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete attempts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		return tx.Commit()
	})
}

// ListRuns returns summaries of all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*podflow.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM runs`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	summaries := []*podflow.RunSummary{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		record, err := decodeRecord(data)
		if err != nil {
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

// LogAttempt appends one attempt to the run's log.
func (s *Store) LogAttempt(ctx context.Context, entry *podflow.AttemptLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO attempts (id, run_id, stage, attempt, fallback, kind, entry, start_time)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID,
			entry.RunID,
			entry.Stage,
			entry.Attempt,
			boolToInt(entry.Fallback),
			nullableString(string(entry.Kind)),
			string(data),
			entry.StartTime.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("log attempt: %w", err)
		}
		return nil
	})
}

// GetAttemptHistory returns the attempts of a run in the order they started.
func (s *Store) GetAttemptHistory(ctx context.Context, runID string) ([]*podflow.AttemptLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM attempts WHERE run_id = ? ORDER BY start_time, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	entries := []*podflow.AttemptLogEntry{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var entry podflow.AttemptLogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func decodeRecord(data string) (*podflow.RunRecord, error) {
	var record podflow.RunRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return &record, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
