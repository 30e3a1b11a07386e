package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Log appends dead-letter records to a file, one JSON object per line.
type Log struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	syncOnWrite bool
}

// Open creates or opens a dead-letter log.
func Open(path string, syncOnWrite bool) (*Log, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter log: %w", err)
	}

	return &Log{
		file:        file,
		path:        path,
		syncOnWrite: syncOnWrite,
	}, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

// Write appends a record to the log. Bodies longer than MaxBodyBytes are cut
// and the record is marked Truncated.
func (l *Log) Write(rec Record) error {
	if len(rec.Body) > MaxBodyBytes {
		rec.Body = rec.Body[:MaxBodyBytes]
		rec.Truncated = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("failed to write dead-letter record: %w", err)
	}

	if l.syncOnWrite {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync dead-letter log: %w", err)
		}
	}

	return nil
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
