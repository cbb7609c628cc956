package podflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Confirm the interfaces are implemented correctly.
var (
	_ RunStore  = (*FileRunStore)(nil)
	_ RunLocker = (*FileRunStore)(nil)
)

// FileRunStore persists run records to disk. Each run has a directory
// holding one snapshot per save and a latest.json link to the newest one.
type FileRunStore struct {
	dataDir string
}

// NewFileRunStore creates a new file-based run store
func NewFileRunStore(dataDir string) (*FileRunStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".podflow", "runs")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileRunStore{dataDir: dataDir}, nil
}

// Dir returns the directory holding the store's runs.
func (s *FileRunStore) Dir() string {
	return s.dataDir
}

// SaveRun writes a new snapshot of the run and points latest.json at it
func (s *FileRunStore) SaveRun(ctx context.Context, record *RunRecord) error {
	runDir := filepath.Join(s.dataDir, record.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	snapshotPath := filepath.Join(runDir, fmt.Sprintf("record-%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(snapshotPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}

	latestPath := filepath.Join(runDir, "latest.json")
	if err := s.updateLatest(snapshotPath, latestPath, data); err != nil {
		return fmt.Errorf("failed to update latest record: %w", err)
	}
	return nil
}

// LoadRun loads the latest snapshot of a run
func (s *FileRunStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	latestPath := filepath.Join(s.dataDir, runID, "latest.json")

	data, err := os.ReadFile(latestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run record: %w", err)
	}

	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &record, nil
}

// DeleteRun removes all snapshots of a run
func (s *FileRunStore) DeleteRun(ctx context.Context, runID string) error {
	if err := os.RemoveAll(filepath.Join(s.dataDir, runID)); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

// ListRuns returns a summary of every run with a readable latest snapshot
func (s *FileRunStore) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	summaries := []*RunSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := s.LoadRun(ctx, entry.Name())
		if err != nil {
			// Skip runs we can't read
			continue
		}
		summaries = append(summaries, record.Summary())
	}
	SortSummaries(summaries)
	return summaries, nil
}

// Lock takes an exclusive lock on the run so that no other process resumes
// it concurrently. It returns ErrRunActive if the lock is held elsewhere.
func (s *FileRunStore) Lock(ctx context.Context, runID string) (func(), error) {
	runDir := filepath.Join(s.dataDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	lock := flock.New(filepath.Join(runDir, "run.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is locked by another process", ErrRunActive, runID)
	}
	return func() { _ = lock.Unlock() }, nil
}

// updateLatest points latest.json at the newest snapshot. The new link is
// created under a temporary name and renamed over latest.json, so readers
// always find either the previous snapshot or the new one.
func (s *FileRunStore) updateLatest(snapshotPath, latestPath string, data []byte) error {
	tmpPath := latestPath + ".tmp-" + uuid.NewString()

	// On Windows, copy the file instead of creating a symlink
	if runtime.GOOS == "windows" {
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			return err
		}
	} else {
		rel, err := filepath.Rel(filepath.Dir(latestPath), snapshotPath)
		if err != nil {
			return fmt.Errorf("failed to create relative path: %w", err)
		}
		if err := os.Symlink(rel, tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, latestPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
