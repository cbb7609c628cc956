package podflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileAttemptLogger is an implementation of AttemptLogger that logs to a
// file. A file is created per run. The file is formatted as newline-delimited
// JSON.
type FileAttemptLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileAttemptLogger(directory string) *FileAttemptLogger {
	return &FileAttemptLogger{directory: directory}
}

func (l *FileAttemptLogger) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileAttemptLogger) GetAttemptHistory(ctx context.Context, runID string) ([]*AttemptLogEntry, error) {
	data, err := os.ReadFile(l.runLogPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*AttemptLogEntry{}, nil
		}
		return nil, err
	}
	var entries []*AttemptLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry AttemptLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func (l *FileAttemptLogger) LogAttempt(ctx context.Context, entry *AttemptLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	filePath := l.runLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
