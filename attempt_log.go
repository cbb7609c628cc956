package podflow

import (
	"context"
	"time"
)

// AttemptLogEntry records one execution of a stage handler or fallback
type AttemptLogEntry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Handler   string    `json:"handler"`
	Attempt   int       `json:"attempt"`
	Fallback  bool      `json:"fallback,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	Duration  float64   `json:"duration"`
}

// AttemptLogger records stage attempts
type AttemptLogger interface {
	// LogAttempt logs a finished attempt
	LogAttempt(ctx context.Context, entry *AttemptLogEntry) error

	// GetAttemptHistory retrieves the attempt log for a run
	GetAttemptHistory(ctx context.Context, runID string) ([]*AttemptLogEntry, error)
}
