package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/statsync/internal/catalog"
	"github.com/livinlefevreloca/statsync/internal/db"
)

const dataRefDateLayout = "2006-01-02"

// Config controls batching and the destination family of each table.
type Config struct {
	BatchSize          int
	StringValuedTables []string
}

// Input is one table's fetched artifacts.
type Input struct {
	Table        catalog.SourceTable
	Data         []byte // JSON array of rows
	Meta         []byte
	MetaFormat   string
	Latest       []byte
	LatestFormat string
}

// LoadResult is the outcome of one table's load. On success Table carries
// the refreshed watermark fields for the rest of the run.
type LoadResult struct {
	TableID string
	Success bool
	Err     error
	Rows    int
	Table   catalog.SourceTable
}

// Loader runs the per-table load pipeline. Load may be called concurrently;
// every call owns its own transaction.
type Loader struct {
	db           *db.DB
	batchSize    int
	stringTables map[string]bool
	recorder     *StateRecorder
	now          func() time.Time
	logger       *slog.Logger
}

// NewLoader creates a loader. recorder may be nil.
func NewLoader(warehouse *db.DB, config Config, recorder *StateRecorder, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	stringTables := make(map[string]bool)
	for _, name := range DefaultStringValuedTables {
		stringTables[name] = true
	}
	for _, name := range config.StringValuedTables {
		stringTables[name] = true
	}

	return &Loader{
		db:           warehouse,
		batchSize:    config.BatchSize,
		stringTables: stringTables,
		recorder:     recorder,
		now:          time.Now,
		logger:       logger,
	}
}

// WithClock replaces the loader's time source
func (l *Loader) WithClock(now func() time.Time) *Loader {
	l.now = now
	return l
}

// StringValued reports whether table keeps its value column verbatim
func (l *Loader) StringValued(table string) bool {
	return l.stringTables[table]
}

// tableRun is the state of one Load call
type tableRun struct {
	loader *Loader
	in     Input
	tx     *db.Tx
	state  State
	logger *slog.Logger

	now       time.Time
	watermark *string
	rows      int
	availCols []string
}

// Load runs every stage for one table inside a single transaction. Failures
// are returned in the result, never as a panic.
func (l *Loader) Load(ctx context.Context, in Input) (result LoadResult) {
	r := &tableRun{
		loader: l,
		in:     in,
		state:  &ParseLatestState{},
		logger: l.logger.With("table_id", in.Table.ID),
		now:    l.now(),
	}
	if l.recorder != nil {
		l.recorder.Record(in.Table.ID, r.state)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("pipeline panic recovered", "state", r.state.Name(), "panic", p)
			result = r.fail(fmt.Errorf("panic in %s: %v", r.state.Name(), p))
		}
	}()

	err := l.db.WithTransaction(ctx, func(tx *db.Tx) error {
		r.tx = tx
		return r.run(ctx)
	})
	if err != nil {
		return r.fail(classify(r.state.Name(), err))
	}

	state := r.state.(*UpdateManagementRecordState)
	r.transitionTo(state.ToCommitted())
	r.logger.Info("table loaded", "rows", r.rows, "watermark", display(r.watermark))

	table := in.Table
	table.LastChangeDate = r.watermark
	refDate := r.now.Format(dataRefDateLayout)
	table.LastDataRefDate = &refDate
	table.AvailableCategoryColumns = r.availCols

	return LoadResult{TableID: in.Table.ID, Success: true, Rows: r.rows, Table: table}
}

// transitionTo performs a state transition and logs it
func (r *tableRun) transitionTo(newState State) {
	oldStateName := r.state.Name()
	r.state = newState

	if r.loader.recorder != nil {
		r.loader.recorder.Record(r.in.Table.ID, newState)
	}

	r.logger.Debug("state transition",
		"from", oldStateName,
		"to", newState.Name(),
	)
}

func (r *tableRun) fail(err error) LoadResult {
	if s, ok := r.state.(interface{ ToRolledBack() *RolledBackState }); ok {
		r.transitionTo(s.ToRolledBack())
	} else {
		r.transitionTo(&RolledBackState{})
	}
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		r.logger.Error("table load rolled back", "error", err, "db_error_class", dbErr.Class)
	} else {
		r.logger.Error("table load rolled back", "error", err)
	}
	return LoadResult{TableID: r.in.Table.ID, Err: err, Table: r.in.Table}
}

// run drives the stages until the management record is written. The
// transaction is resolved by the caller.
func (r *tableRun) run(ctx context.Context) error {
	for {
		var err error
		switch r.state.(type) {
		case *ParseLatestState:
			err = r.runParseLatest()
		case *LoadRawState:
			err = r.runLoadRaw(ctx)
		case *TransferIntegrationState:
			err = r.runTransferIntegration(ctx)
		case *LoadMetadataState:
			err = r.runLoadMetadata(ctx)
		case *UpdateSourceStateState:
			err = r.runUpdateSourceState(ctx)
		case *UpdateManagementRecordState:
			return r.runUpdateManagementRecord(ctx)
		default:
			return fmt.Errorf("unexpected state %s", r.state.Name())
		}
		if err != nil {
			return err
		}
	}
}

// runParseLatest derives the sync watermark
func (r *tableRun) runParseLatest() error {
	state := r.state.(*ParseLatestState)

	watermark, err := ParseLatest(r.in.Latest, r.in.LatestFormat)
	if err != nil {
		return &ParseError{Stage: state.Name(), Err: err}
	}
	r.watermark = watermark

	r.transitionTo(state.ToLoadRaw())
	return nil
}

// runLoadRaw replaces the staged rows of {source, table, watermark}
func (r *tableRun) runLoadRaw(ctx context.Context) error {
	state := r.state.(*LoadRawState)
	table := r.in.Table

	records, err := ParseRawRecords(r.in.Data, table.ID)
	if err != nil {
		return &ParseError{Stage: state.Name(), Err: err}
	}
	if len(records) == 0 {
		r.logger.Warn("data artifact has no rows")
	}

	if _, err := r.tx.DeleteOriginData(ctx, table.SrcDataID, table.ID, r.watermark); err != nil {
		return newDBError(state.Name(), err)
	}

	refDate := r.now.Format(dataRefDateLayout)
	rows := make([]db.OriginRow, len(records))
	for i, rec := range records {
		rows[i] = toOriginRow(rec, table.SrcDataID, r.watermark, refDate)
	}
	err = insertBatched(rows, r.loader.batchSize, func(batch []db.OriginRow) error {
		return r.tx.InsertOriginData(ctx, batch)
	})
	if err != nil {
		return newDBError(state.Name(), err)
	}

	r.rows = len(records)
	r.availCols = availableCategoryColumns(records)

	r.transitionTo(state.ToTransferIntegration())
	return nil
}

// runTransferIntegration rebuilds the integration rows of {source, watermark}
func (r *tableRun) runTransferIntegration(ctx context.Context) error {
	state := r.state.(*TransferIntegrationState)
	table := r.in.Table

	if table.IntegrationTable == "" {
		r.logger.Warn("no integration table registered, skipping transfer")
		r.transitionTo(state.ToLoadMetadata())
		return nil
	}

	if _, err := r.tx.DeleteIntegrationData(ctx, table.IntegrationTable, table.SrcDataID, r.watermark); err != nil {
		return newDBError(state.Name(), err)
	}

	staged, err := r.tx.SelectOriginData(ctx, table.SrcDataID, table.ID, r.watermark)
	if err != nil {
		return newDBError(state.Name(), err)
	}

	stringValued := r.loader.StringValued(table.IntegrationTable)
	rows := make([]db.IntegrationRow, len(staged))
	for i, o := range staged {
		row, err := toIntegrationRow(o, stringValued, r.watermark)
		if err != nil {
			return &TransformError{Stage: state.Name(), Err: err}
		}
		rows[i] = row
	}

	err = insertBatched(rows, r.loader.batchSize, func(batch []db.IntegrationRow) error {
		return r.tx.InsertIntegrationData(ctx, table.IntegrationTable, batch)
	})
	if err != nil {
		return newDBError(state.Name(), err)
	}

	r.logger.Debug("integration rows transferred", "table", table.IntegrationTable, "rows", len(rows))
	r.transitionTo(state.ToLoadMetadata())
	return nil
}

// runLoadMetadata replaces the dictionary rows of {table, watermark}
func (r *tableRun) runLoadMetadata(ctx context.Context) error {
	state := r.state.(*LoadMetadataState)
	table := r.in.Table

	if _, err := r.tx.DeleteMetadata(ctx, table.ID, r.watermark); err != nil {
		return newDBError(state.Name(), err)
	}

	entries, err := ParseMetadata(r.in.Meta, r.in.MetaFormat)
	if err != nil {
		return &ParseError{Stage: state.Name(), Err: err}
	}

	rows := make([]db.MetadataRow, len(entries))
	for i, e := range entries {
		rows[i] = toMetadataRow(e, table.SrcDataID, table.ID, r.watermark)
	}
	err = insertBatched(rows, r.loader.batchSize, func(batch []db.MetadataRow) error {
		return r.tx.InsertMetadata(ctx, batch)
	})
	if err != nil {
		return newDBError(state.Name(), err)
	}

	r.transitionTo(state.ToUpdateSourceState())
	return nil
}

// runUpdateSourceState writes back the table's watermark fields
func (r *tableRun) runUpdateSourceState(ctx context.Context) error {
	state := r.state.(*UpdateSourceStateState)

	cols, err := encodeColumns(r.availCols)
	if err != nil {
		return &TransformError{Stage: state.Name(), Err: err}
	}

	err = r.tx.UpdateSourceState(ctx, db.SourceState{
		SrcDataID:       r.in.Table.SrcDataID,
		StatTblID:       r.in.Table.ID,
		StatLatestChnDt: r.watermark,
		StatDataRefDt:   r.now.Format(dataRefDateLayout),
		AvailCatCols:    cols,
	})
	if err != nil {
		return newDBError(state.Name(), err)
	}

	r.transitionTo(state.ToUpdateManagementRecord())
	return nil
}

// runUpdateManagementRecord stamps the registry entry
func (r *tableRun) runUpdateManagementRecord(ctx context.Context) error {
	state := r.state.(*UpdateManagementRecordState)

	if err := r.tx.UpdateSourceSyncTime(ctx, r.in.Table.StatAPIID, r.now); err != nil {
		return newDBError(state.Name(), err)
	}
	return nil
}

// classify wraps errors that did not come from a stage, such as a failed
// commit, as a DBError of the current state.
func classify(stage string, err error) error {
	var (
		parseErr     *ParseError
		transformErr *TransformError
		dbErr        *DBError
	)
	if errors.As(err, &parseErr) || errors.As(err, &transformErr) || errors.As(err, &dbErr) {
		return err
	}
	return newDBError(stage, err)
}

func display(s *string) string {
	if s == nil {
		return "<none>"
	}
	return *s
}
