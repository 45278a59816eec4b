package db

import "time"

// CreatedBy tags every row written by the batch.
const CreatedBy = "SYS-BACH"

// ExtAPIInfo is a row of sys_ext_api_info: one provider endpoint.
type ExtAPIInfo struct {
	ExtAPIID       string
	IfName         string
	ExtSys         string
	ExtURL         string
	Auth           string
	DataFormat     string
	LatestSyncTime *time.Time
}

// SourceRow is one active sys_stats_src_api_info row joined with its
// stats_src_data_info row.
type SourceRow struct {
	StatAPIID         string
	ExtAPIID          string
	StatTitle         string
	StatTblID         string
	UseBaseURLYN      string
	APIDataURL        *string // JSON {"url", "format"}
	APIMetaURL        *string
	APILatestChnDtURL *string
	SrcDataID         string
	IntgTblID         string
	Periodicity       string
	CollectStartDt    string
	CollectEndDt      string
	StatTblName       string
	StatLatestChnDt   *string
	StatDataRefDt     *string
	AvailCatCols      *string // JSON list
}

// OriginRow is a row of the raw staging table stats_kosis_origin_data.
type OriginRow struct {
	SrcDataID       string
	OrgID           string
	TblID           string
	TblNm           string
	C1, C2, C3, C4  string
	C1ObjNm         string
	C2ObjNm         string
	C3ObjNm         string
	C4ObjNm         string
	C1Nm            string
	C2Nm            string
	C3Nm            string
	C4Nm            string
	ItmID           string
	ItmNm           string
	UnitNm          string
	PrdSe           string
	PrdDe           string
	Dt              string
	LstChnDe        string
	StatLatestChnDt *string
	DataRefDt       string
	CreatedBy       string
}

// MetadataRow is a row of the stats_kosis_metadata_code dictionary.
type MetadataRow struct {
	SrcDataID       string
	TblID           string
	ObjID           string
	ObjNm           string
	ItmID           string
	ItmNm           string
	UpItmID         string
	ObjIDSn         *string
	UnitID          string
	UnitNm          string
	StatLatestChnDt *string
	CreatedBy       string
}

// IntegrationRow is a row of a per-table integration table. Dt holds either
// a verbatim string or a decimal rendered with three fractional digits,
// depending on the table family.
type IntegrationRow struct {
	SrcDataID       string
	PrdDe           int
	C1, C2, C3      string
	ItmID           string
	UnitNm          string
	Dt              any
	LstChnDe        *string
	SrcLatestChnDt  *string
	CreatedBy       string
}

// SourceState is the per-table watermark write-back applied to
// stats_src_data_info at the end of a table's transaction.
type SourceState struct {
	SrcDataID       string
	StatTblID       string
	StatLatestChnDt *string
	StatDataRefDt   string
	AvailCatCols    string
}

// RunStats is a row of sync_run_stats.
type RunStats struct {
	RunID         string
	ExtAPIID      string
	Mode          string
	StartedAt     time.Time
	FinishedAt    time.Time
	TablesTotal   int
	TablesFetched int
	TablesLoaded  int
	TablesFailed  int
	ProviderCalls int
	RangeSplits   int
	RowsFetched   int
	Success       bool
	Error         *string
}
