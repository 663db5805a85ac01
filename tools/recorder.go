package tools

import (
	"context"
	"sync"
)

// Recorder persists tool call records. Implementations are append-only and
// keyed by run id; they must be safe for concurrent use.
type Recorder interface {
	// Append records one completed call.
	Append(ctx context.Context, rec *Record) error

	// Records returns the calls made by a run in append order.
	Records(ctx context.Context, runID string) ([]*Record, error)
}

// NullRecorder discards every record.
type NullRecorder struct{}

func NewNullRecorder() *NullRecorder {
	return &NullRecorder{}
}

func (r *NullRecorder) Append(ctx context.Context, rec *Record) error {
	return nil
}

func (r *NullRecorder) Records(ctx context.Context, runID string) ([]*Record, error) {
	return nil, nil
}

// MemoryRecorder keeps records in memory. Useful for tests and for the CLI
// inspect command within a single process.
type MemoryRecorder struct {
	mutex   sync.RWMutex
	records map[string][]*Record
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{records: map[string][]*Record{}}
}

func (r *MemoryRecorder) Append(ctx context.Context, rec *Record) error {
	copied := *rec
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records[rec.RunID] = append(r.records[rec.RunID], &copied)
	return nil
}

func (r *MemoryRecorder) Records(ctx context.Context, runID string) ([]*Record, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]*Record, 0, len(r.records[runID]))
	for _, rec := range r.records[runID] {
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}
