package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/statsync/internal/artifact"
	"github.com/livinlefevreloca/statsync/internal/catalog"
	"github.com/livinlefevreloca/statsync/internal/db"
	"github.com/livinlefevreloca/statsync/internal/pipeline"
	"github.com/livinlefevreloca/statsync/internal/provider"
	"github.com/livinlefevreloca/statsync/internal/stats"
)

var (
	// ErrFetchPhaseFailed wraps every fetch task error of a run
	ErrFetchPhaseFailed = errors.New("fetch phase failed")

	// ErrLoadPhaseFailed wraps every load task error of a run
	ErrLoadPhaseFailed = errors.New("load phase failed")
)

// Fetcher retrieves a table's artifacts from the provider
type Fetcher interface {
	FetchRange(ctx context.Context, ep catalog.Endpoint, table catalog.SourceTable, r provider.YearRange) ([]json.RawMessage, error)
	FetchMeta(ctx context.Context, ep catalog.Endpoint, table catalog.SourceTable) ([]byte, string, error)
	FetchLatest(ctx context.Context, ep catalog.Endpoint, table catalog.SourceTable) ([]byte, string, error)
}

// Deps are the collaborators of an orchestrator. Recorder, StatsWriter and
// States may be nil.
type Deps struct {
	Fetcher     Fetcher
	Store       artifact.Store
	Warehouse   *db.DB
	Recorder    *stats.Recorder
	StatsWriter stats.DatabaseWriter
	States      *pipeline.StateRecorder
}

// Artifacts are the stored artifacts of one table
type Artifacts struct {
	Data   artifact.Handle
	Meta   artifact.Handle
	Latest artifact.Handle
}

// FetchResult is the outcome of one fetch task
type FetchResult struct {
	TableID   string
	Rows      int
	Artifacts Artifacts
	Err       error
}

// Report describes a finished run
type Report struct {
	RunID            string
	Mode             string
	StartedAt        time.Time
	FinishedAt       time.Time
	Fetches          []FetchResult
	Loads            []pipeline.LoadResult
	WatermarkUpdated bool
	Summary          stats.RunSummary
}

// Orchestrator runs one sync over a catalog snapshot: a bounded fetch phase,
// a barrier, then in db mode a bounded load phase and the global watermark
// update. Failing tasks never cancel their siblings.
type Orchestrator struct {
	config       Config
	fetchWorkers int
	loadWorkers  int

	fetcher     Fetcher
	store       artifact.Store
	warehouse   *db.DB
	loader      *pipeline.Loader
	recorder    *stats.Recorder
	statsWriter stats.DatabaseWriter

	now    func() time.Time
	logger *slog.Logger
}

// New creates an orchestrator. Worker counts are clamped to
// [1, MaxFetchWorkers] and [1, MaxLoadWorkers].
func New(config Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = stats.NewRecorder(nil)
	}

	fetchWorkers := clamp(config.FetchWorkers, MaxFetchWorkers)
	loadWorkers := clamp(config.LoadWorkers, MaxLoadWorkers)
	if fetchWorkers != config.FetchWorkers || loadWorkers != config.LoadWorkers {
		logger.Warn("worker counts clamped",
			"fetch_workers", fetchWorkers,
			"load_workers", loadWorkers)
	}

	loader := pipeline.NewLoader(deps.Warehouse, pipeline.Config{
		BatchSize:          config.BatchSize,
		StringValuedTables: config.StringValuedTables,
	}, deps.States, logger)

	return &Orchestrator{
		config:       config,
		fetchWorkers: fetchWorkers,
		loadWorkers:  loadWorkers,
		fetcher:      deps.Fetcher,
		store:        deps.Store,
		warehouse:    deps.Warehouse,
		loader:       loader,
		recorder:     recorder,
		statsWriter:  deps.StatsWriter,
		now:          time.Now,
		logger:       logger,
	}
}

// WithClock replaces the orchestrator's time source
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	o.loader.WithClock(now)
	return o
}

// PrepareIntegrationTables creates the missing integration tables of snap,
// typed by each table's value family.
func (o *Orchestrator) PrepareIntegrationTables(ctx context.Context, snap *catalog.Snapshot) error {
	seen := make(map[string]bool)
	for _, table := range snap.Tables {
		name := table.IntegrationTable
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		if err := o.warehouse.EnsureIntegrationTable(ctx, name, o.loader.StringValued(name)); err != nil {
			return fmt.Errorf("prepare integration table %s: %w", name, err)
		}
	}
	return nil
}

// Run executes one sync. The returned report is never nil; a non-nil error
// means the run failed and the global watermark was not advanced.
func (o *Orchestrator) Run(ctx context.Context, snap *catalog.Snapshot) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		Mode:      o.config.Mode,
		StartedAt: o.now(),
	}
	logger := o.logger.With("run_id", report.RunID)

	logger.Info("run started",
		"mode", o.config.Mode,
		"endpoint", snap.Endpoint.ID,
		"tables", len(snap.Tables),
		"fetch_workers", o.fetchWorkers,
		"load_workers", o.loadWorkers)

	err := o.run(ctx, snap, report, logger)

	report.FinishedAt = o.now()
	report.Summary = o.recorder.Summary()
	o.recorder.RunFinished(o.config.Mode, report.FinishedAt.Sub(report.StartedAt), err == nil, report.FinishedAt)
	o.writeStats(ctx, snap, report, err, logger)

	if err != nil {
		logger.Error("run failed", "error", err)
		return report, err
	}

	logger.Info("run completed",
		"tables_fetched", report.Summary.TablesFetched,
		"tables_loaded", report.Summary.TablesLoaded,
		"rows_fetched", report.Summary.RowsFetched,
		"provider_calls", report.Summary.ProviderCalls,
		"range_splits", report.Summary.RangeSplits,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, snap *catalog.Snapshot, report *Report, logger *slog.Logger) error {
	report.Fetches = o.fetchPhase(ctx, snap, report, logger)

	var fetchErrs []error
	for _, f := range report.Fetches {
		if f.Err != nil {
			fetchErrs = append(fetchErrs, f.Err)
		}
	}
	if len(fetchErrs) > 0 {
		return fmt.Errorf("%w: %w", ErrFetchPhaseFailed, errors.Join(fetchErrs...))
	}

	if o.config.Mode == ModeFile {
		logger.Info("file mode, skipping load phase")
		return nil
	}

	report.Loads = o.loadPhase(ctx, snap, report.Fetches, logger)

	var loadErrs []error
	for _, l := range report.Loads {
		if !l.Success {
			loadErrs = append(loadErrs, fmt.Errorf("table %s: %w", l.TableID, l.Err))
		}
	}
	if len(loadErrs) > 0 {
		return fmt.Errorf("%w: %w", ErrLoadPhaseFailed, errors.Join(loadErrs...))
	}

	if err := o.warehouse.UpdateEndpointSyncTime(ctx, snap.Endpoint.ID, o.now()); err != nil {
		return fmt.Errorf("update endpoint sync time: %w", err)
	}
	report.WatermarkUpdated = true
	logger.Info("endpoint watermark advanced", "endpoint", snap.Endpoint.ID)
	return nil
}

// fetchPhase runs one fetch task per table and waits for all of them
func (o *Orchestrator) fetchPhase(ctx context.Context, snap *catalog.Snapshot, report *Report, logger *slog.Logger) []FetchResult {
	results := make([]FetchResult, len(snap.Tables))

	var g errgroup.Group
	g.SetLimit(o.fetchWorkers)
	for i, table := range snap.Tables {
		i, table := i, table
		g.Go(func() error {
			results[i] = o.fetchTable(ctx, snap.Endpoint, table, report, logger.With("table_id", table.ID))
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// fetchTable retrieves meta, latest and data, in that order, and persists
// each artifact.
func (o *Orchestrator) fetchTable(ctx context.Context, ep catalog.Endpoint, table catalog.SourceTable, report *Report, logger *slog.Logger) FetchResult {
	result := FetchResult{TableID: table.ID}
	fail := func(err error) FetchResult {
		o.recorder.TableFetched(0, false)
		logger.Error("fetch task failed", "error", err)
		result.Err = err
		return result
	}

	key := func(kind, format string) artifact.Key {
		return artifact.Key{
			RunDate:  report.StartedAt,
			RunID:    report.RunID,
			SourceID: table.SrcDataID,
			TableID:  table.ID,
			Kind:     kind,
			Format:   format,
		}
	}

	meta, metaFormat, err := o.fetcher.FetchMeta(ctx, ep, table)
	if err != nil {
		return fail(err)
	}
	if result.Artifacts.Meta, err = o.store.Put(ctx, key(provider.KindMeta, metaFormat), meta); err != nil {
		return fail(fmt.Errorf("table %s: store meta: %w", table.ID, err))
	}

	latest, latestFormat, err := o.fetcher.FetchLatest(ctx, ep, table)
	if err != nil {
		return fail(err)
	}
	if result.Artifacts.Latest, err = o.store.Put(ctx, key(provider.KindLatest, latestFormat), latest); err != nil {
		return fail(fmt.Errorf("table %s: store latest: %w", table.ID, err))
	}

	r := provider.YearRange{From: table.CollectStartYear, To: table.CollectEndYear}
	rows, err := o.fetcher.FetchRange(ctx, ep, table, r)
	if err != nil {
		return fail(err)
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fail(fmt.Errorf("table %s: encode data: %w", table.ID, err))
	}
	if result.Artifacts.Data, err = o.store.Put(ctx, key(provider.KindData, catalog.FormatJSON), data); err != nil {
		return fail(fmt.Errorf("table %s: store data: %w", table.ID, err))
	}

	result.Rows = len(rows)
	o.recorder.TableFetched(result.Rows, true)
	logger.Info("table fetched", "range", r.String(), "rows", result.Rows)
	return result
}

// loadPhase runs one load task per fetched table and waits for all of them
func (o *Orchestrator) loadPhase(ctx context.Context, snap *catalog.Snapshot, fetches []FetchResult, logger *slog.Logger) []pipeline.LoadResult {
	results := make([]pipeline.LoadResult, len(snap.Tables))

	var g errgroup.Group
	g.SetLimit(o.loadWorkers)
	for i, table := range snap.Tables {
		i, table := i, table
		g.Go(func() error {
			results[i] = o.loadTable(ctx, table, fetches[i].Artifacts, logger.With("table_id", table.ID))
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (o *Orchestrator) loadTable(ctx context.Context, table catalog.SourceTable, handles Artifacts, logger *slog.Logger) pipeline.LoadResult {
	in := pipeline.Input{
		Table:        table,
		MetaFormat:   handles.Meta.Format,
		LatestFormat: handles.Latest.Format,
	}

	var err error
	if in.Data, err = o.store.Get(ctx, handles.Data); err == nil {
		if in.Meta, err = o.store.Get(ctx, handles.Meta); err == nil {
			in.Latest, err = o.store.Get(ctx, handles.Latest)
		}
	}
	if err != nil {
		o.recorder.TableLoaded(false)
		logger.Error("load task failed", "error", err)
		return pipeline.LoadResult{TableID: table.ID, Err: fmt.Errorf("read artifacts: %w", err), Table: table}
	}

	result := o.loader.Load(ctx, in)
	o.recorder.TableLoaded(result.Success)
	if !result.Success {
		logger.Error("load task failed", "error", result.Err)
	}
	return result
}

// writeStats persists the run's statistics row. Failures are logged only.
func (o *Orchestrator) writeStats(ctx context.Context, snap *catalog.Snapshot, report *Report, runErr error, logger *slog.Logger) {
	if o.statsWriter == nil {
		return
	}

	s := report.Summary
	row := &db.RunStats{
		RunID:         report.RunID,
		ExtAPIID:      snap.Endpoint.ID,
		Mode:          report.Mode,
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
		TablesTotal:   len(snap.Tables),
		TablesFetched: s.TablesFetched,
		TablesLoaded:  s.TablesLoaded,
		TablesFailed:  s.FetchFailures + s.LoadFailures,
		ProviderCalls: s.ProviderCalls,
		RangeSplits:   s.RangeSplits,
		RowsFetched:   s.RowsFetched,
		Success:       runErr == nil,
	}
	if runErr != nil {
		msg := runErr.Error()
		row.Error = &msg
	}

	err := o.statsWriter.WriteRunStats(ctx, row)
	switch {
	case err == nil:
	case errors.Is(err, stats.ErrRunRecorded):
		logger.Warn("run stats already recorded", "error", err)
	default:
		logger.Error("failed to write run stats", "error", err)
	}
}

func clamp(n, ceiling int) int {
	return max(1, min(n, ceiling))
}
