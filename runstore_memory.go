package podflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryRunStore keeps run records in memory. Records are stored as JSON so
// that a loaded record never aliases the state it was saved from, and so
// that outputs go through the same encoding as the persistent stores.
type MemoryRunStore struct {
	records map[string][]byte
	mutex   sync.RWMutex
}

// NewMemoryRunStore returns an empty in-memory store
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{records: map[string][]byte{}}
}

func (s *MemoryRunStore) SaveRun(ctx context.Context, record *RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.records[record.RunID] = data
	return nil
}

func (s *MemoryRunStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mutex.RLock()
	data, ok := s.records[runID]
	s.mutex.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &record, nil
}

func (s *MemoryRunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.records, runID)
	return nil
}

func (s *MemoryRunStore) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	s.mutex.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mutex.RUnlock()

	summaries := make([]*RunSummary, 0, len(ids))
	for _, id := range ids {
		record, err := s.LoadRun(ctx, id)
		if err != nil {
			continue
		}
		summaries = append(summaries, record.Summary())
	}
	SortSummaries(summaries)
	return summaries, nil
}

// RawRecord returns the stored JSON encoding of a run.
func (s *MemoryRunStore) RawRecord(runID string) ([]byte, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, ok := s.records[runID]
	return data, ok
}

// SortSummaries orders summaries newest first, breaking ties by run ID.
func SortSummaries(summaries []*RunSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].StartTime.Equal(summaries[j].StartTime) {
			return summaries[i].StartTime.After(summaries[j].StartTime)
		}
		return summaries[i].RunID > summaries[j].RunID
	})
}
