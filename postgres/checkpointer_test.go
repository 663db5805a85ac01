package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/postgres"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var container *tcpostgres.PostgresContainer

func setupCheckpointer(t *testing.T) (*postgres.Checkpointer, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	t.Cleanup(cancel)

	if container == nil || !container.IsRunning() {
		var err error
		container, err = tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("tradeflow_test"),
			tcpostgres.WithUsername("tradeflow"),
			tcpostgres.WithPassword("tradeflow"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("docker unavailable: %v", err)
		}
	}

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)
	for _, table := range []string{"tradeflow_checkpoints", "tradeflow_schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	checkpointer, err := postgres.Open(ctx, nil, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkpointer.Close() })
	return checkpointer, ctx
}

func suspendedCheckpoint(runID string, seq int) *tradeflow.Checkpoint {
	return &tradeflow.Checkpoint{
		ID:           tradeflow.NewCheckpointID(),
		RunID:        runID,
		WorkflowName: "execute",
		Status:       tradeflow.ExecutionStatusSuspended,
		Seq:          seq,
		Node:         "approve",
		Fields:       map[string]any{"notional": 12_000_000.0},
		Suspension:   &tradeflow.Suspension{Step: "approve", Reason: "notional above cap", RequestID: "apr_1"},
		StartTime:    time.Now().UTC(),
		CheckpointAt: time.Now().UTC(),
	}
}

func TestSaveAndLoadLatest(t *testing.T) {
	checkpointer, ctx := setupCheckpointer(t)

	missing, err := checkpointer.LoadCheckpoint(ctx, "run_missing")
	require.NoError(t, err)
	require.Nil(t, missing)

	first := suspendedCheckpoint("run_a", 1)
	first.Status = tradeflow.ExecutionStatusRunning
	first.Suspension = nil
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, first))
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, suspendedCheckpoint("run_a", 2)))

	latest, err := checkpointer.LoadCheckpoint(ctx, "run_a")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Seq)
	require.Equal(t, tradeflow.ExecutionStatusSuspended, latest.Status)
	require.Equal(t, 12_000_000.0, latest.Fields["notional"])

	require.Error(t, checkpointer.SaveCheckpoint(ctx, suspendedCheckpoint("run_a", 2)))
}

func TestClaimIsExactlyOnce(t *testing.T) {
	checkpointer, ctx := setupCheckpointer(t)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, suspendedCheckpoint("run_b", 1)))

	var stale *tradeflow.StaleApprovalError
	_, err := checkpointer.ClaimCheckpoint(ctx, "run_b", "apr_other")
	require.ErrorAs(t, err, &stale)

	claimed, err := checkpointer.ClaimCheckpoint(ctx, "run_b", "apr_1")
	require.NoError(t, err)
	require.False(t, claimed.ClaimedAt.IsZero())

	_, err = checkpointer.ClaimCheckpoint(ctx, "run_b", "apr_1")
	require.ErrorAs(t, err, &stale)
	require.Equal(t, "request already resolved", stale.Reason)

	none, err := checkpointer.ClaimCheckpoint(ctx, "run_unknown", "apr_1")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestDeleteAndList(t *testing.T) {
	checkpointer, ctx := setupCheckpointer(t)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, suspendedCheckpoint("run_c", 1)))
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, suspendedCheckpoint("run_d", 1)))

	runs, err := checkpointer.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	require.NoError(t, checkpointer.DeleteCheckpoint(ctx, "run_c"))
	gone, err := checkpointer.LoadCheckpoint(ctx, "run_c")
	require.NoError(t, err)
	require.Nil(t, gone)
}
