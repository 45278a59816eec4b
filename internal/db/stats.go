package db

import (
	"context"
	"database/sql"
)

// CreateRunStats inserts the statistics row of a finished run
func (db *DB) CreateRunStats(ctx context.Context, stats *RunStats) error {
	query := `
		INSERT INTO sync_run_stats (
			run_id, ext_api_id, mode, started_at, finished_at,
			tables_total, tables_fetched, tables_loaded, tables_failed,
			provider_calls, range_splits, rows_fetched, success, error
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, db.Rebind(query),
		stats.RunID,
		stats.ExtAPIID,
		stats.Mode,
		stats.StartedAt,
		stats.FinishedAt,
		stats.TablesTotal,
		stats.TablesFetched,
		stats.TablesLoaded,
		stats.TablesFailed,
		stats.ProviderCalls,
		stats.RangeSplits,
		stats.RowsFetched,
		stats.Success,
		stats.Error,
	)

	return err
}

// GetRunStats retrieves the statistics row of a run
func (db *DB) GetRunStats(ctx context.Context, runID string) (*RunStats, error) {
	stats := &RunStats{}

	query := `
		SELECT
			run_id, ext_api_id, mode, started_at, finished_at,
			tables_total, tables_fetched, tables_loaded, tables_failed,
			provider_calls, range_splits, rows_fetched, success, error
		FROM sync_run_stats
		WHERE run_id = ?
	`

	err := db.QueryRowContext(ctx, db.Rebind(query), runID).Scan(
		&stats.RunID,
		&stats.ExtAPIID,
		&stats.Mode,
		&stats.StartedAt,
		&stats.FinishedAt,
		&stats.TablesTotal,
		&stats.TablesFetched,
		&stats.TablesLoaded,
		&stats.TablesFailed,
		&stats.ProviderCalls,
		&stats.RangeSplits,
		&stats.RowsFetched,
		&stats.Success,
		&stats.Error,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return stats, nil
}
