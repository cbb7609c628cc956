package podflow

import "context"

// NullAttemptLogger discards all entries
type NullAttemptLogger struct{}

func NewNullAttemptLogger() *NullAttemptLogger {
	return &NullAttemptLogger{}
}

func (l *NullAttemptLogger) LogAttempt(ctx context.Context, entry *AttemptLogEntry) error {
	return nil
}

func (l *NullAttemptLogger) GetAttemptHistory(ctx context.Context, runID string) ([]*AttemptLogEntry, error) {
	return []*AttemptLogEntry{}, nil
}
