package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/statsync/internal/db"
)

// Errors returned by Load. All of them are configuration problems and abort
// the run before any provider request is made.
var (
	ErrEndpointNotFound = errors.New("catalog: no active endpoint")
	ErrUnknownTargets   = errors.New("catalog: targets not registered")
	ErrInvalidTemplate  = errors.New("catalog: invalid url template")
	ErrInvalidPeriod    = errors.New("catalog: invalid collection period")
)

// Artifact formats
const (
	FormatJSON = "json"
	FormatXML  = "xml"
)

// Endpoint is the provider connection. LastSyncTime is the global watermark.
type Endpoint struct {
	ID           string
	BaseURL      string
	AuthKey      string
	LastSyncTime *time.Time
}

// URLTemplate is a provider URL with placeholders and the declared body format.
type URLTemplate struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// SourceTable is one tracked statistical table. Tables are read once per run
// and never mutated by the orchestrator.
type SourceTable struct {
	ID               string // stat_tbl_id
	StatAPIID        string
	SrcDataID        string
	Title            string
	IntegrationTable string
	CollectStartYear int
	CollectEndYear   int
	UseBaseURL       bool

	Data   *URLTemplate
	Meta   *URLTemplate
	Latest *URLTemplate

	LastChangeDate           *string
	LastDataRefDate          *string
	AvailableCategoryColumns []string
}

// Target restricts a PART-scoped run to one table, optionally moving its
// collection start year.
type Target struct {
	TableID  string `toml:"table_id"`
	FromYear int    `toml:"from_year"`
}

// Snapshot is the read-only catalog view a run works from.
type Snapshot struct {
	Endpoint Endpoint
	Tables   []SourceTable
}

// Reader is the subset of the warehouse the catalog reads from.
type Reader interface {
	GetActiveEndpoint(ctx context.Context, extSys string) (*db.ExtAPIInfo, error)
	ListSourceRows(ctx context.Context, extAPIID string) ([]db.SourceRow, error)
}

// Load builds the snapshot for extSys. When targets is non-empty the table
// list is filtered to them and every target must exist.
func Load(ctx context.Context, r Reader, extSys string, targets []Target, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := r.GetActiveEndpoint(ctx, extSys)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w for ext_sys %q", ErrEndpointNotFound, extSys)
		}
		return nil, fmt.Errorf("load endpoint: %w", err)
	}

	rows, err := r.ListSourceRows(ctx, info.ExtAPIID)
	if err != nil {
		return nil, fmt.Errorf("load source tables: %w", err)
	}

	snap := &Snapshot{
		Endpoint: Endpoint{
			ID:           info.ExtAPIID,
			BaseURL:      info.ExtURL,
			AuthKey:      info.Auth,
			LastSyncTime: info.LatestSyncTime,
		},
	}

	var wanted map[string]Target
	if len(targets) > 0 {
		wanted = make(map[string]Target, len(targets))
		for _, t := range targets {
			wanted[t.TableID] = t
		}

		present := make(map[string]bool, len(rows))
		for _, row := range rows {
			present[row.StatTblID] = true
		}
		var missing []string
		for id := range wanted {
			if !present[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, fmt.Errorf("%w: %s", ErrUnknownTargets, strings.Join(missing, ", "))
		}
	}

	for _, row := range rows {
		target, ok := wanted[row.StatTblID]
		if wanted != nil && !ok {
			continue
		}

		table, err := buildTable(row, logger)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", row.StatTblID, err)
		}
		if target.FromYear > 0 {
			if target.FromYear > table.CollectEndYear {
				return nil, fmt.Errorf("table %s: %w: from_year %d is after end year %d",
					row.StatTblID, ErrInvalidPeriod, target.FromYear, table.CollectEndYear)
			}
			table.CollectStartYear = target.FromYear
		}
		snap.Tables = append(snap.Tables, table)
	}

	logger.Info("catalog loaded",
		"ext_api_id", snap.Endpoint.ID,
		"registered", len(rows),
		"selected", len(snap.Tables))

	return snap, nil
}

func buildTable(row db.SourceRow, logger *slog.Logger) (SourceTable, error) {
	start, err := yearOf(row.CollectStartDt)
	if err != nil {
		return SourceTable{}, fmt.Errorf("collect_start_dt: %w", err)
	}
	end, err := yearOf(row.CollectEndDt)
	if err != nil {
		return SourceTable{}, fmt.Errorf("collect_end_dt: %w", err)
	}
	if start > end {
		return SourceTable{}, fmt.Errorf("%w: start year %d is after end year %d", ErrInvalidPeriod, start, end)
	}

	table := SourceTable{
		ID:               row.StatTblID,
		StatAPIID:        row.StatAPIID,
		SrcDataID:        row.SrcDataID,
		Title:            row.StatTitle,
		IntegrationTable: strings.TrimSpace(row.IntgTblID),
		CollectStartYear: start,
		CollectEndYear:   end,
		UseBaseURL:       row.UseBaseURLYN == "Y",
		LastChangeDate:   row.StatLatestChnDt,
		LastDataRefDate:  row.StatDataRefDt,
	}

	if table.Data, err = decodeTemplate(row.APIDataURL, FormatJSON); err != nil {
		return SourceTable{}, fmt.Errorf("api_data_url: %w", err)
	}
	if table.Meta, err = decodeTemplate(row.APIMetaURL, FormatXML); err != nil {
		return SourceTable{}, fmt.Errorf("api_meta_url: %w", err)
	}
	if table.Latest, err = decodeTemplate(row.APILatestChnDtURL, FormatJSON); err != nil {
		return SourceTable{}, fmt.Errorf("api_latest_chn_dt_url: %w", err)
	}

	if row.AvailCatCols != nil && *row.AvailCatCols != "" {
		if err := json.Unmarshal([]byte(*row.AvailCatCols), &table.AvailableCategoryColumns); err != nil {
			logger.Debug("ignoring malformed avail_cat_cols",
				"table_id", row.StatTblID,
				"value", *row.AvailCatCols,
				"error", err)
			table.AvailableCategoryColumns = nil
		}
	}

	return table, nil
}

// decodeTemplate parses a {"url", "format"} column. A NULL or empty column
// yields nil.
func decodeTemplate(raw *string, defaultFormat string) (*URLTemplate, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}

	var tmpl URLTemplate
	if err := json.Unmarshal([]byte(*raw), &tmpl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if tmpl.URL == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidTemplate)
	}

	tmpl.Format = strings.ToLower(strings.TrimSpace(tmpl.Format))
	switch tmpl.Format {
	case "":
		tmpl.Format = defaultFormat
	case FormatJSON, FormatXML:
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidTemplate, tmpl.Format)
	}

	return &tmpl, nil
}

// yearOf reads the collection year from the first four characters of a
// period string such as 20150101 or 2015.
func yearOf(period string) (int, error) {
	period = strings.TrimSpace(period)
	if len(period) < 4 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	year, err := strconv.Atoi(period[:4])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	return year, nil
}
