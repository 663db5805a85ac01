package tradeflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCheckpointer keeps checkpoints in process. Checkpoints are stored as
// JSON copies, so restoring from it exercises the same decoding path as a
// durable store.
type MemoryCheckpointer struct {
	mutex sync.Mutex
	runs  map[string][]*Checkpoint
	clock func() time.Time
}

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{runs: map[string][]*Checkpoint{}, clock: time.Now}
}

func (c *MemoryCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	stored, err := CloneCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.runs[checkpoint.RunID] = append(c.runs[checkpoint.RunID], stored)
	return nil
}

func (c *MemoryCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	history := c.runs[runID]
	if len(history) == 0 {
		return nil, nil
	}
	return CloneCheckpoint(history[len(history)-1])
}

func (c *MemoryCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.runs, runID)
	return nil
}

func (c *MemoryCheckpointer) ClaimCheckpoint(ctx context.Context, runID, requestID string) (*Checkpoint, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	history := c.runs[runID]
	if len(history) == 0 {
		return nil, nil
	}
	latest := history[len(history)-1]
	if err := latest.Claimable(requestID); err != nil {
		return nil, err
	}
	latest.ClaimedAt = c.clock()
	return CloneCheckpoint(latest)
}

// History returns every checkpoint saved for a run, oldest first.
func (c *MemoryCheckpointer) History(runID string) []*Checkpoint {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([]*Checkpoint, 0, len(c.runs[runID]))
	for _, cp := range c.runs[runID] {
		if clone, err := CloneCheckpoint(cp); err == nil {
			out = append(out, clone)
		}
	}
	return out
}

func (c *MemoryCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	summaries := make([]*RunSummary, 0, len(c.runs))
	for _, history := range c.runs {
		if len(history) > 0 {
			summaries = append(summaries, Summarize(history[len(history)-1]))
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}
