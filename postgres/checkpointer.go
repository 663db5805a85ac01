// Package postgres stores run checkpoints in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code for a unique constraint
// violation.
const uniqueViolation = "23505"

// Checkpointer implements tradeflow.Checkpointer and tradeflow.Claimer.
// Each checkpoint is one row; the latest row of a run has the highest seq.
type Checkpointer struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ tradeflow.Checkpointer = (*Checkpointer)(nil)
	_ tradeflow.Claimer      = (*Checkpointer)(nil)
	_ tradeflow.RunLister    = (*Checkpointer)(nil)
)

// Open connects to databaseURL and applies migrations.
func Open(ctx context.Context, logger *slog.Logger, databaseURL string) (*Checkpointer, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	c, err := New(ctx, logger, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an open database and applies migrations.
func New(ctx context.Context, logger *slog.Logger, db *sql.DB) (*Checkpointer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := migrate(ctx, logger, db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Checkpointer{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (c *Checkpointer) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

func (c *Checkpointer) SaveCheckpoint(ctx context.Context, checkpoint *tradeflow.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO tradeflow_checkpoints
			(id, run_id, parent_run_id, seq, workflow_name, status, request_id, data, start_time, checkpoint_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		checkpoint.ID,
		checkpoint.RunID,
		checkpoint.ParentRunID,
		checkpoint.Seq,
		checkpoint.WorkflowName,
		string(checkpoint.Status),
		checkpoint.RequestID(),
		data,
		nullTime(checkpoint.StartTime),
		checkpoint.CheckpointAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("checkpoint %d of run %s already saved: %w", checkpoint.Seq, checkpoint.RunID, err)
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpointer) LoadCheckpoint(ctx context.Context, runID string) (*tradeflow.Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT data, claimed_at FROM tradeflow_checkpoints
		WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`, runID)
	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return checkpoint, err
}

// ClaimCheckpoint marks the latest checkpoint of a suspended run as claimed
// in a single conditional UPDATE, so concurrent resumes cannot both win.
func (c *Checkpointer) ClaimCheckpoint(ctx context.Context, runID, requestID string) (*tradeflow.Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
		UPDATE tradeflow_checkpoints SET claimed_at = NOW()
		WHERE id = (
			SELECT id FROM tradeflow_checkpoints
			WHERE run_id = $1 ORDER BY seq DESC LIMIT 1
		)
		AND status = $2 AND request_id = $3 AND claimed_at IS NULL
		RETURNING data, claimed_at`,
		runID, string(tradeflow.ExecutionStatusSuspended), requestID)
	checkpoint, err := scanCheckpoint(row)
	if err == nil {
		return checkpoint, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim checkpoint: %w", err)
	}

	latest, err := c.LoadCheckpoint(ctx, runID)
	if err != nil || latest == nil {
		return nil, err
	}
	if err := latest.Claimable(requestID); err != nil {
		return nil, err
	}
	return nil, &tradeflow.StaleApprovalError{RunID: runID, RequestID: requestID, Reason: "request already resolved"}
}

func (c *Checkpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM tradeflow_checkpoints WHERE run_id = $1", runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// ListRuns returns the latest checkpoint summary of every run, newest first.
func (c *Checkpointer) ListRuns(ctx context.Context) ([]*tradeflow.RunSummary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT data, claimed_at FROM (
			SELECT DISTINCT ON (run_id) data, claimed_at, start_time
			FROM tradeflow_checkpoints
			ORDER BY run_id, seq DESC
		) latest
		ORDER BY start_time DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var summaries []*tradeflow.RunSummary
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, tradeflow.Summarize(checkpoint))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return summaries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*tradeflow.Checkpoint, error) {
	var data []byte
	var claimedAt sql.NullTime
	if err := row.Scan(&data, &claimedAt); err != nil {
		return nil, err
	}
	var checkpoint tradeflow.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if claimedAt.Valid {
		checkpoint.ClaimedAt = claimedAt.Time
	}
	return &checkpoint, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
