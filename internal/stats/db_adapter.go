package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/livinlefevreloca/statsync/internal/db"
)

var (
	// ErrRunRecorded means a stats row for the run id already exists
	ErrRunRecorded = errors.New("run stats already recorded")
	// ErrUnknownEndpoint means the run's endpoint is not registered
	ErrUnknownEndpoint = errors.New("run stats reference an unknown endpoint")
)

// DatabaseWriter persists per-run statistics
type DatabaseWriter interface {
	WriteRunStats(ctx context.Context, stats *db.RunStats) error
}

// DBAdapter adapts the internal db.DB to the DatabaseWriter interface
type DBAdapter struct {
	db *db.DB
}

// NewDBAdapter creates a new database adapter
func NewDBAdapter(database *db.DB) *DBAdapter {
	return &DBAdapter{db: database}
}

// WriteRunStats writes one sync_run_stats row
func (a *DBAdapter) WriteRunStats(ctx context.Context, stats *db.RunStats) error {
	err := a.db.CreateRunStats(ctx, stats)
	switch {
	case err == nil:
		return nil
	case db.IsDuplicate(err):
		return fmt.Errorf("%w: run %s: %w", ErrRunRecorded, stats.RunID, err)
	case db.IsForeignKey(err):
		return fmt.Errorf("%w: %s: %w", ErrUnknownEndpoint, stats.ExtAPIID, err)
	default:
		return fmt.Errorf("failed to write run stats: %w", err)
	}
}
