package tradeflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileCheckpointer is a file-based implementation that persists checkpoints
// to disk, one directory per run.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a new file-based checkpointer
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".tradeflow", "runs")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileCheckpointer{dataDir: dataDir}, nil
}

// SaveCheckpoint saves the run checkpoint to disk
func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	runDir := filepath.Join(c.dataDir, checkpoint.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	checkpointPath := filepath.Join(runDir, fmt.Sprintf("checkpoint-%06d-%s.json", checkpoint.Seq, checkpoint.ID))
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(checkpointPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	latestPath := filepath.Join(runDir, "latest.json")
	if err := c.updateLatestSymlink(checkpointPath, latestPath); err != nil {
		return fmt.Errorf("failed to update latest symlink: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a run
func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	latestPath := filepath.Join(c.dataDir, runID, "latest.json")
	data, err := os.ReadFile(latestPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if info, err := os.Stat(c.claimPath(&checkpoint)); err == nil {
		checkpoint.ClaimedAt = info.ModTime().UTC()
	}
	return &checkpoint, nil
}

// ClaimCheckpoint consumes a suspended checkpoint by exclusively creating a
// claim marker next to it. Only one process can create the marker.
func (c *FileCheckpointer) ClaimCheckpoint(ctx context.Context, runID, requestID string) (*Checkpoint, error) {
	checkpoint, err := c.LoadCheckpoint(ctx, runID)
	if err != nil || checkpoint == nil {
		return nil, err
	}
	if err := checkpoint.Claimable(requestID); err != nil {
		return nil, err
	}
	marker, err := os.OpenFile(c.claimPath(checkpoint), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil, &StaleApprovalError{RunID: runID, RequestID: requestID, Reason: "request already resolved"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create claim marker: %w", err)
	}
	defer marker.Close()
	if info, err := marker.Stat(); err == nil {
		checkpoint.ClaimedAt = info.ModTime().UTC()
	}
	return checkpoint, nil
}

func (c *FileCheckpointer) claimPath(checkpoint *Checkpoint) string {
	return filepath.Join(c.dataDir, checkpoint.RunID, fmt.Sprintf("claimed-%s", checkpoint.ID))
}

// DeleteCheckpoint removes all checkpoint data for a run
func (c *FileCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	runDir := filepath.Join(c.dataDir, runID)
	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

// ListRuns returns a list of all runs with their latest checkpoint info
func (c *FileCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var summaries []*RunSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := c.LoadCheckpoint(ctx, entry.Name())
		if err != nil || checkpoint == nil {
			// Skip runs we can't read
			continue
		}
		summaries = append(summaries, Summarize(checkpoint))
	}

	// Sort by start time (newest first)
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

// updateLatestSymlink updates the symlink to point to the latest checkpoint
func (c *FileCheckpointer) updateLatestSymlink(checkpointPath, latestPath string) error {
	if _, err := os.Lstat(latestPath); err == nil {
		if err := os.Remove(latestPath); err != nil {
			return fmt.Errorf("failed to remove existing latest symlink: %w", err)
		}
	}

	// On Windows, copy the file instead of creating a symlink
	if strings.Contains(os.Getenv("OS"), "Windows") {
		data, err := os.ReadFile(checkpointPath)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint for copy: %w", err)
		}
		return os.WriteFile(latestPath, data, 0644)
	}

	rel, err := filepath.Rel(filepath.Dir(latestPath), checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to create relative path: %w", err)
	}
	return os.Symlink(rel, latestPath)
}
