package testutil

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/statsync/internal/db"
	"github.com/livinlefevreloca/statsync/migrations"
	"github.com/livinlefevreloca/statsync/tools/migrator"
)

// NewWarehouse creates a migrated in-memory SQLite warehouse. The pool is
// limited to one connection so every caller sees the same database.
func NewWarehouse(t *testing.T) *db.DB {
	t.Helper()

	warehouse, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test warehouse: %v", err)
	}
	warehouse.SetMaxOpenConns(1)

	if err := migrator.RunMigrations(warehouse.DB, migrations.FS); err != nil {
		warehouse.Close()
		t.Fatalf("failed to migrate test warehouse: %v", err)
	}

	t.Cleanup(func() {
		warehouse.Close()
	})

	return warehouse
}

// EndpointFixture describes a sys_ext_api_info row
type EndpointFixture struct {
	ExtAPIID string
	ExtSys   string
	BaseURL  string
	AuthKey  string
}

// TableFixture describes a registered source table
type TableFixture struct {
	ExtAPIID         string
	StatAPIID        string
	StatTblID        string
	SrcDataID        string
	IntegrationTable string
	CollectStart     string
	CollectEnd       string
	DataURL          *string
	MetaURL          *string
	LatestURL        *string
}

// FakeTableFixture registers table id against a FakeProvider using the
// standard templates (JSON data, XML meta, JSON latest).
func FakeTableFixture(extAPIID, id, integrationTable, start, end string) TableFixture {
	data := DataTemplate(id)
	meta := MetaTemplate(id, "xml")
	latest := LatestTemplate(id, "json")
	return TableFixture{
		ExtAPIID:         extAPIID,
		StatAPIID:        "API_" + id,
		StatTblID:        id,
		SrcDataID:        "SRC_" + id,
		IntegrationTable: integrationTable,
		CollectStart:     start,
		CollectEnd:       end,
		DataURL:          &data,
		MetaURL:          &meta,
		LatestURL:        &latest,
	}
}

// SeedEndpoint inserts an active endpoint
func SeedEndpoint(t *testing.T, warehouse *db.DB, e EndpointFixture) {
	t.Helper()

	_, err := warehouse.Exec(
		`INSERT INTO sys_ext_api_info (ext_api_id, if_name, ext_sys, ext_url, auth) VALUES (?, ?, ?, ?, ?)`,
		e.ExtAPIID, e.ExtSys, e.ExtSys, e.BaseURL, e.AuthKey,
	)
	if err != nil {
		t.Fatalf("failed to seed endpoint: %v", err)
	}
}

// SeedTable inserts the registry and source-data rows of one table. The
// table is registered with use_base_url_yn = 'Y'.
func SeedTable(t *testing.T, warehouse *db.DB, f TableFixture) {
	t.Helper()

	_, err := warehouse.Exec(
		`INSERT INTO sys_stats_src_api_info
			(stat_api_id, ext_api_id, stat_title, stat_tbl_id, use_base_url_yn, api_data_url, api_meta_url, api_latest_chn_dt_url)
		VALUES (?, ?, ?, ?, 'Y', ?, ?, ?)`,
		f.StatAPIID, f.ExtAPIID, "Title "+f.StatTblID, f.StatTblID, f.DataURL, f.MetaURL, f.LatestURL,
	)
	if err != nil {
		t.Fatalf("failed to seed source api info: %v", err)
	}

	_, err = warehouse.Exec(
		`INSERT INTO stats_src_data_info
			(src_data_id, ext_api_id, stat_api_id, intg_tbl_id, stat_title, stat_tbl_id, collect_start_dt, collect_end_dt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SrcDataID, f.ExtAPIID, f.StatAPIID, f.IntegrationTable, "Title "+f.StatTblID, f.StatTblID, f.CollectStart, f.CollectEnd,
	)
	if err != nil {
		t.Fatalf("failed to seed source data info: %v", err)
	}
}

// CountRows runs a COUNT(*) query
func CountRows(t *testing.T, warehouse *db.DB, query string, args ...any) int {
	t.Helper()

	var n int
	if err := warehouse.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return n
}
