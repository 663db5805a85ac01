package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE tradeflow_checkpoints (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL,
				parent_run_id TEXT,
				seq INTEGER NOT NULL,
				workflow_name TEXT NOT NULL,
				status VARCHAR(32) NOT NULL,
				request_id TEXT,
				data JSONB NOT NULL,
				start_time TIMESTAMP WITH TIME ZONE,
				checkpoint_at TIMESTAMP WITH TIME ZONE NOT NULL,
				claimed_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (run_id, seq)
			);

			CREATE INDEX idx_tradeflow_checkpoints_run ON tradeflow_checkpoints(run_id, seq DESC);
			CREATE INDEX idx_tradeflow_checkpoints_status ON tradeflow_checkpoints(status);
		`,
	}
}

// migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func migrate(ctx context.Context, logger *slog.Logger, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tradeflow_schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	err = db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM tradeflow_schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	all := migrations()
	versions := make([]int, 0, len(all))
	for version := range all {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= current {
			continue
		}
		logger.InfoContext(ctx, "applying migration", "version", version)
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, all[version]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO tradeflow_schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}
	return nil
}
