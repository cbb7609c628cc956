package podflow

import "context"

// NullRunStore is a no-op implementation
type NullRunStore struct{}

func NewNullRunStore() *NullRunStore {
	return &NullRunStore{}
}

func (s *NullRunStore) SaveRun(ctx context.Context, record *RunRecord) error {
	return nil
}

func (s *NullRunStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	return nil, ErrRunNotFound
}

func (s *NullRunStore) DeleteRun(ctx context.Context, runID string) error {
	return nil
}

func (s *NullRunStore) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	return []*RunSummary{}, nil
}
