// Package redisstore stores run checkpoints in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "tradeflow"

// Options configures a Checkpointer.
type Options struct {
	Client redis.UniversalClient
	Prefix string
	Logger *slog.Logger
}

// Checkpointer keeps each run's checkpoints in a Redis list, newest last.
// Claims are recorded with HSETNX on a per-run hash, which makes them
// exactly-once across processes.
type Checkpointer struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var (
	_ tradeflow.Checkpointer = (*Checkpointer)(nil)
	_ tradeflow.Claimer      = (*Checkpointer)(nil)
	_ tradeflow.RunLister    = (*Checkpointer)(nil)
)

// New returns a Checkpointer using an existing client.
func New(opts Options) (*Checkpointer, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Checkpointer{client: opts.Client, prefix: opts.Prefix, logger: opts.Logger}, nil
}

// Dial connects to the Redis server at addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*Checkpointer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(Options{Client: client})
}

// Close closes the underlying client.
func (c *Checkpointer) Close() error {
	return c.client.Close()
}

func (c *Checkpointer) runsKey() string {
	return c.prefix + ":runs"
}

func (c *Checkpointer) checkpointsKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:checkpoints", c.prefix, runID)
}

func (c *Checkpointer) claimsKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:claims", c.prefix, runID)
}

func (c *Checkpointer) SaveCheckpoint(ctx context.Context, checkpoint *tradeflow.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, c.checkpointsKey(checkpoint.RunID), data)
		pipe.SAdd(ctx, c.runsKey(), checkpoint.RunID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpointer) LoadCheckpoint(ctx context.Context, runID string) (*tradeflow.Checkpoint, error) {
	data, err := c.client.LIndex(ctx, c.checkpointsKey(runID), -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var checkpoint tradeflow.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	claimed, err := c.client.HGet(ctx, c.claimsKey(runID), checkpoint.ID).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("failed to load claim: %w", err)
	default:
		if at, err := time.Parse(time.RFC3339Nano, claimed); err == nil {
			checkpoint.ClaimedAt = at
		}
	}
	return &checkpoint, nil
}

func (c *Checkpointer) ClaimCheckpoint(ctx context.Context, runID, requestID string) (*tradeflow.Checkpoint, error) {
	checkpoint, err := c.LoadCheckpoint(ctx, runID)
	if err != nil || checkpoint == nil {
		return nil, err
	}
	if err := checkpoint.Claimable(requestID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	won, err := c.client.HSetNX(ctx, c.claimsKey(runID), checkpoint.ID, now.Format(time.RFC3339Nano)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim checkpoint: %w", err)
	}
	if !won {
		return nil, &tradeflow.StaleApprovalError{RunID: runID, RequestID: requestID, Reason: "request already resolved"}
	}
	checkpoint.ClaimedAt = now
	return checkpoint, nil
}

func (c *Checkpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.checkpointsKey(runID), c.claimsKey(runID))
		pipe.SRem(ctx, c.runsKey(), runID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// ListRuns returns the latest checkpoint summary of every run, newest first.
func (c *Checkpointer) ListRuns(ctx context.Context) ([]*tradeflow.RunSummary, error) {
	runIDs, err := c.client.SMembers(ctx, c.runsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	summaries := make([]*tradeflow.RunSummary, 0, len(runIDs))
	for _, runID := range runIDs {
		checkpoint, err := c.LoadCheckpoint(ctx, runID)
		if err != nil {
			c.logger.Warn("skipping unreadable run", "run_id", runID, "error", err)
			continue
		}
		if checkpoint != nil {
			summaries = append(summaries, tradeflow.Summarize(checkpoint))
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}
