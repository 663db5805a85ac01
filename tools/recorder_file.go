package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileRecorder writes one newline-delimited JSON file per run.
type FileRecorder struct {
	directory string
	mutex     sync.Mutex
}

func NewFileRecorder(directory string) *FileRecorder {
	return &FileRecorder{directory: directory}
}

func (r *FileRecorder) path(runID string) string {
	if runID == "" {
		runID = "unscoped"
	}
	return filepath.Join(r.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (r *FileRecorder) Append(ctx context.Context, rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode tool record: %w", err)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := os.MkdirAll(r.directory, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path(rec.RunID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (r *FileRecorder) Records(ctx context.Context, runID string) ([]*Record, error) {
	f, err := os.Open(r.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []*Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode tool record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, scanner.Err()
}
