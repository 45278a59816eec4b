package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/statsync/internal/catalog"
	"github.com/livinlefevreloca/statsync/internal/db"
	"github.com/livinlefevreloca/statsync/internal/testutil"
)

const testData = `[
	{"ORG_ID":"101","TBL_ID":"TBL_A","C1":"A1","ITM_ID":"T1","UNIT_NM":"KRW","PRD_DE":"2020","DT":"123.400","LST_CHN_DE":"2024-01-01"},
	{"ORG_ID":"101","TBL_ID":"TBL_A","C1":"A2","C2":"B1","ITM_ID":"T1","UNIT_NM":"KRW","PRD_DE":"2021","DT":"-"}
]`

var fullPath = []string{
	"parse_latest",
	"load_raw",
	"transfer_integration",
	"load_metadata",
	"update_source_state",
	"update_management_record",
	"committed",
}

type fixture struct {
	warehouse *db.DB
	loader    *Loader
	recorder  *StateRecorder
	table     catalog.SourceTable
}

func newFixture(t *testing.T, integrationTable string) *fixture {
	t.Helper()

	warehouse := testutil.NewWarehouse(t)
	testutil.SeedEndpoint(t, warehouse, testutil.EndpointFixture{ExtAPIID: "EXT1", ExtSys: "KOSIS", BaseURL: "http://provider", AuthKey: "key"})
	testutil.SeedTable(t, warehouse, testutil.FakeTableFixture("EXT1", "TBL_A", integrationTable, "20200101", "20211231"))

	if integrationTable != "" {
		stringValued := integrationTable == DefaultStringValuedTables[0]
		require.NoError(t, warehouse.EnsureIntegrationTable(context.Background(), integrationTable, stringValued))
	}

	clock := testutil.NewMockClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	recorder := NewStateRecorder()
	loader := NewLoader(warehouse, Config{BatchSize: 1}, recorder, testutil.NewTestLogger().Logger()).WithClock(clock.Now)

	return &fixture{
		warehouse: warehouse,
		loader:    loader,
		recorder:  recorder,
		table: catalog.SourceTable{
			ID:               "TBL_A",
			StatAPIID:        "API_TBL_A",
			SrcDataID:        "SRC_TBL_A",
			IntegrationTable: integrationTable,
		},
	}
}

func (f *fixture) input(data, meta, latest string) Input {
	return Input{
		Table:        f.table,
		Data:         []byte(data),
		Meta:         []byte(meta),
		MetaFormat:   catalog.FormatXML,
		Latest:       []byte(latest),
		LatestFormat: catalog.FormatJSON,
	}
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	return testutil.CountRows(t, f.warehouse, query, args...)
}

func TestLoad_CommitsEveryStage(t *testing.T) {
	f := newFixture(t, "intg_a")

	result := f.loader.Load(context.Background(), f.input(testData, testutil.DefaultMetaXML, testutil.DefaultLatestJSON))
	require.True(t, result.Success, "load failed: %v", result.Err)
	assert.Equal(t, 2, result.Rows)
	assert.Equal(t, fullPath, f.recorder.Path("TBL_A"))

	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM stats_kosis_origin_data WHERE src_data_id = 'SRC_TBL_A' AND stat_latest_chn_dt = '2024-03-05' AND data_ref_dt = '2024-06-01'`))
	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM intg_a WHERE src_latest_chn_dt = '2024-03-05'`))
	assert.Equal(t, 3, f.count(t, `SELECT COUNT(*) FROM stats_kosis_metadata_code WHERE tbl_id = 'TBL_A' AND stat_latest_chn_dt = '2024-03-05'`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM stats_kosis_metadata_code WHERE obj_id_sn IS NULL`))

	var dt float64
	require.NoError(t, f.warehouse.QueryRow(`SELECT dt FROM intg_a WHERE prd_de = 2020`).Scan(&dt))
	assert.Equal(t, 123.4, dt)
	require.NoError(t, f.warehouse.QueryRow(`SELECT dt FROM intg_a WHERE prd_de = 2021`).Scan(&dt))
	assert.Equal(t, 0.0, dt)

	var lstChnDe sql.NullString
	require.NoError(t, f.warehouse.QueryRow(`SELECT lst_chn_de FROM intg_a WHERE prd_de = 2021`).Scan(&lstChnDe))
	assert.False(t, lstChnDe.Valid)

	var latest, refDate, cols string
	err := f.warehouse.QueryRow(`SELECT stat_latest_chn_dt, stat_data_ref_dt, avail_cat_cols FROM stats_src_data_info WHERE src_data_id = 'SRC_TBL_A'`).
		Scan(&latest, &refDate, &cols)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", latest)
	assert.Equal(t, "2024-06-01", refDate)
	assert.Equal(t, `["c1","c2"]`, cols)

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM sys_stats_src_api_info WHERE stat_api_id = 'API_TBL_A' AND latest_sync_time IS NOT NULL`))

	require.NotNil(t, result.Table.LastChangeDate)
	assert.Equal(t, "2024-03-05", *result.Table.LastChangeDate)
	assert.Equal(t, []string{"c1", "c2"}, result.Table.AvailableCategoryColumns)
}

func TestLoad_MetadataFailureRollsBackEveryStage(t *testing.T) {
	f := newFixture(t, "intg_a")

	result := f.loader.Load(context.Background(), f.input(testData, "not a document\n", testutil.DefaultLatestJSON))
	require.False(t, result.Success)

	var parseErr *ParseError
	require.ErrorAs(t, result.Err, &parseErr)
	assert.Equal(t, "load_metadata", parseErr.Stage)

	path := f.recorder.Path("TBL_A")
	assert.Equal(t, []string{"parse_latest", "load_raw", "transfer_integration", "load_metadata", "rolled_back"}, path)

	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM stats_kosis_origin_data`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM intg_a`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM stats_kosis_metadata_code`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM stats_src_data_info WHERE stat_latest_chn_dt IS NULL AND avail_cat_cols IS NULL`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM sys_stats_src_api_info WHERE latest_sync_time IS NULL`))
}

func TestLoad_TransformErrorRollsBack(t *testing.T) {
	f := newFixture(t, "intg_a")

	data := `[{"TBL_ID":"TBL_A","PRD_DE":"2020","DT":"abc"}]`
	result := f.loader.Load(context.Background(), f.input(data, testutil.DefaultMetaXML, testutil.DefaultLatestJSON))
	require.False(t, result.Success)

	var transformErr *TransformError
	require.ErrorAs(t, result.Err, &transformErr)
	assert.Equal(t, "transfer_integration", transformErr.Stage)
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM stats_kosis_origin_data`))
}

func TestLoad_StringValuedTableKeepsValues(t *testing.T) {
	f := newFixture(t, "stats_dis_hlth_disease_cost_sub")

	data := `[{"TBL_ID":"TBL_A","PRD_DE":"2020","DT":"abc"},{"TBL_ID":"TBL_A","PRD_DE":"2021","DT":"-"}]`
	result := f.loader.Load(context.Background(), f.input(data, testutil.DefaultMetaXML, testutil.DefaultLatestJSON))
	require.True(t, result.Success, "load failed: %v", result.Err)

	var dt string
	require.NoError(t, f.warehouse.QueryRow(`SELECT dt FROM stats_dis_hlth_disease_cost_sub WHERE prd_de = 2020`).Scan(&dt))
	assert.Equal(t, "abc", dt)
	require.NoError(t, f.warehouse.QueryRow(`SELECT dt FROM stats_dis_hlth_disease_cost_sub WHERE prd_de = 2021`).Scan(&dt))
	assert.Equal(t, "-", dt)
}

func TestLoad_BatchLargerThanStatementLimit(t *testing.T) {
	f := newFixture(t, "intg_a")
	f.loader = NewLoader(f.warehouse, Config{BatchSize: 2000}, f.recorder, testutil.NewTestLogger().Logger())

	records := make([]map[string]string, 1500)
	for i := range records {
		records[i] = map[string]string{
			"TBL_ID": "TBL_A",
			"C1":     "A" + strconv.Itoa(i),
			"PRD_DE": strconv.Itoa(2000 + i%20),
			"DT":     strconv.Itoa(i) + ".5",
		}
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)

	result := f.loader.Load(context.Background(), f.input(string(data), testutil.DefaultMetaXML, testutil.DefaultLatestJSON))
	require.True(t, result.Success, "load failed: %v", result.Err)
	assert.Equal(t, 1500, result.Rows)
	assert.Equal(t, 1500, f.count(t, `SELECT COUNT(*) FROM stats_kosis_origin_data`))
	assert.Equal(t, 1500, f.count(t, `SELECT COUNT(*) FROM intg_a`))
}

func TestLoad_IdempotentRerun(t *testing.T) {
	for _, latest := range []string{testutil.DefaultLatestJSON, `[]`} {
		t.Run(latest, func(t *testing.T) {
			f := newFixture(t, "intg_a")
			in := f.input(testData, testutil.DefaultMetaXML, latest)

			first := f.loader.Load(context.Background(), in)
			require.True(t, first.Success, "first load failed: %v", first.Err)
			origin := f.count(t, `SELECT COUNT(*) FROM stats_kosis_origin_data`)
			integration := f.count(t, `SELECT COUNT(*) FROM intg_a`)
			metadata := f.count(t, `SELECT COUNT(*) FROM stats_kosis_metadata_code`)

			second := f.loader.Load(context.Background(), in)
			require.True(t, second.Success, "second load failed: %v", second.Err)

			assert.Equal(t, 2, origin)
			assert.Equal(t, 2, integration)
			assert.Equal(t, 3, metadata)
			assert.Equal(t, origin, f.count(t, `SELECT COUNT(*) FROM stats_kosis_origin_data`))
			assert.Equal(t, integration, f.count(t, `SELECT COUNT(*) FROM intg_a`))
			assert.Equal(t, metadata, f.count(t, `SELECT COUNT(*) FROM stats_kosis_metadata_code`))
		})
	}
}

func TestLoad_WithoutIntegrationTable(t *testing.T) {
	f := newFixture(t, "")

	result := f.loader.Load(context.Background(), f.input(testData, testutil.DefaultMetaXML, testutil.DefaultLatestJSON))
	require.True(t, result.Success, "load failed: %v", result.Err)
	assert.Equal(t, fullPath, f.recorder.Path("TBL_A"))
	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM stats_kosis_origin_data`))
}

func TestLoad_UnregisteredSourceFails(t *testing.T) {
	f := newFixture(t, "intg_a")
	f.table.SrcDataID = "SRC_MISSING"

	result := f.loader.Load(context.Background(), f.input(testData, testutil.DefaultMetaXML, testutil.DefaultLatestJSON))
	require.False(t, result.Success)

	var dbErr *DBError
	require.ErrorAs(t, result.Err, &dbErr)
	assert.Equal(t, "update_source_state", dbErr.Stage)
	assert.Equal(t, db.ClassNotFound, dbErr.Class)
	assert.ErrorIs(t, result.Err, db.ErrNotFound)
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM intg_a`))
}

func TestLoad_ConcurrentTablesAreIsolated(t *testing.T) {
	f := newFixture(t, "intg_a")
	testutil.SeedTable(t, f.warehouse, testutil.FakeTableFixture("EXT1", "TBL_B", "intg_a", "20200101", "20211231"))

	good := f.input(testData, testutil.DefaultMetaXML, testutil.DefaultLatestJSON)
	bad := f.input(`[{"PRD_DE":"2020","DT":"1"}]`, "broken", testutil.DefaultLatestJSON)
	bad.Table = catalog.SourceTable{ID: "TBL_B", StatAPIID: "API_TBL_B", SrcDataID: "SRC_TBL_B", IntegrationTable: "intg_a"}

	results := make(chan LoadResult, 2)
	for _, in := range []Input{good, bad} {
		go func(in Input) {
			results <- f.loader.Load(context.Background(), in)
		}(in)
	}

	byTable := map[string]LoadResult{}
	for i := 0; i < 2; i++ {
		r := <-results
		byTable[r.TableID] = r
	}

	assert.True(t, byTable["TBL_A"].Success)
	assert.False(t, byTable["TBL_B"].Success)
	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM intg_a WHERE src_data_id = 'SRC_TBL_A'`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM intg_a WHERE src_data_id = 'SRC_TBL_B'`))
}
