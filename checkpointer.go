package tradeflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Checkpointer persists run checkpoints. Implementations only append and
// read by run id.
type Checkpointer interface {
	// SaveCheckpoint saves the current run state
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for a run. It returns nil
	// when the run has none.
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// DeleteCheckpoint removes checkpoint data for a run
	DeleteCheckpoint(ctx context.Context, runID string) error
}

// Claimer is implemented by checkpointers that can atomically consume a
// suspended checkpoint, so a run is resumed at most once even when several
// processes receive the same response.
type Claimer interface {
	// ClaimCheckpoint marks the latest checkpoint of the run as claimed and
	// returns it, or returns a *StaleApprovalError if it is not a suspended
	// checkpoint waiting on requestID. A run without checkpoints yields
	// nil and no error.
	ClaimCheckpoint(ctx context.Context, runID, requestID string) (*Checkpoint, error)
}

// RunLister is implemented by checkpointers that can enumerate runs.
type RunLister interface {
	ListRuns(ctx context.Context) ([]*RunSummary, error)
}

// CloneCheckpoint returns a deep copy of a checkpoint by encoding it as
// JSON, the same way durable stores see it.
func CloneCheckpoint(checkpoint *Checkpoint) (*Checkpoint, error) {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &out, nil
}
