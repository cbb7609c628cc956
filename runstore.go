package podflow

import (
	"context"
)

// RunStore persists run records
type RunStore interface {
	// SaveRun saves the current record of a run, replacing any earlier one
	SaveRun(ctx context.Context, record *RunRecord) error

	// LoadRun loads the latest record of a run. It returns ErrRunNotFound
	// when the run has never been saved.
	LoadRun(ctx context.Context, runID string) (*RunRecord, error)

	// DeleteRun removes all data for a run
	DeleteRun(ctx context.Context, runID string) error

	// ListRuns returns summaries of all stored runs, newest first
	ListRuns(ctx context.Context) ([]*RunSummary, error)
}

// RunLocker is implemented by stores that can lock a run across processes.
// The returned function releases the lock.
type RunLocker interface {
	Lock(ctx context.Context, runID string) (unlock func(), err error)
}
