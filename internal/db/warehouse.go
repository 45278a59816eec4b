package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

var originColumns = []string{
	"src_data_id", "org_id", "tbl_id", "tbl_nm",
	"c1", "c2", "c3", "c4",
	"c1_obj_nm", "c2_obj_nm", "c3_obj_nm", "c4_obj_nm",
	"c1_nm", "c2_nm", "c3_nm", "c4_nm",
	"itm_id", "itm_nm", "unit_nm", "prd_se", "prd_de", "dt", "lst_chn_de",
	"stat_latest_chn_dt", "data_ref_dt", "created_by",
}

var metadataColumns = []string{
	"src_data_id", "tbl_id", "obj_id", "obj_nm", "itm_id", "itm_nm", "up_itm_id",
	"obj_id_sn", "unit_id", "unit_nm", "stat_latest_chn_dt", "created_by",
}

var integrationColumns = []string{
	"src_data_id", "prd_de", "c1", "c2", "c3", "itm_id", "unit_nm", "dt",
	"lst_chn_de", "src_latest_chn_dt", "created_by",
}

// watermarkMatch renders a NULL-safe equality predicate on column.
func watermarkMatch(column string, watermark *string) (string, []any) {
	if watermark == nil {
		return column + " IS NULL", nil
	}
	return column + " = ?", []any{*watermark}
}

// maxBindParams returns the bind-parameter limit of one statement for the
// driver. SQLite builds older than 3.32 stop at 999.
func maxBindParams(driver string) int {
	switch driver {
	case "sqlite3":
		return 999
	default:
		return 65535
	}
}

// bulkInsert writes rows with multi-row INSERT statements, as many rows per
// statement as the driver's bind-parameter limit allows.
func (tx *Tx) bulkInsert(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	perStatement := maxBindParams(tx.db.driver) / len(columns)
	if perStatement < 1 {
		perStatement = 1
	}

	for start := 0; start < len(rows); start += perStatement {
		end := min(start+perStatement, len(rows))
		if err := tx.insertRows(ctx, table, columns, rows[start:end], start); err != nil {
			return err
		}
	}
	return nil
}

// insertRows writes rows with a single statement. offset is the index of the
// first row, for error messages.
func (tx *Tx) insertRows(ctx context.Context, table string, columns []string, rows [][]any, offset int) error {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("insert into %s: row %d has %d values, want %d", table, offset+i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, row...)
	}

	_, err := tx.exec(ctx, b.String(), args...)
	return err
}

// =============================================================================
// Raw Staging
// =============================================================================

// DeleteOriginData removes raw rows for {src, table, watermark}.
func (tx *Tx) DeleteOriginData(ctx context.Context, srcDataID, tblID string, watermark *string) (int64, error) {
	pred, wmArgs := watermarkMatch("stat_latest_chn_dt", watermark)
	query := `DELETE FROM stats_kosis_origin_data WHERE src_data_id = ? AND tbl_id = ? AND ` + pred

	result, err := tx.exec(ctx, query, append([]any{srcDataID, tblID}, wmArgs...)...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// InsertOriginData inserts one batch of raw rows.
func (tx *Tx) InsertOriginData(ctx context.Context, rows []OriginRow) error {
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{
			r.SrcDataID, r.OrgID, r.TblID, r.TblNm,
			r.C1, r.C2, r.C3, r.C4,
			r.C1ObjNm, r.C2ObjNm, r.C3ObjNm, r.C4ObjNm,
			r.C1Nm, r.C2Nm, r.C3Nm, r.C4Nm,
			r.ItmID, r.ItmNm, r.UnitNm, r.PrdSe, r.PrdDe, r.Dt, r.LstChnDe,
			r.StatLatestChnDt, r.DataRefDt, r.CreatedBy,
		}
	}
	return tx.bulkInsert(ctx, "stats_kosis_origin_data", originColumns, values)
}

// SelectOriginData re-reads the raw rows for {src, table, watermark}.
func (tx *Tx) SelectOriginData(ctx context.Context, srcDataID, tblID string, watermark *string) ([]OriginRow, error) {
	pred, wmArgs := watermarkMatch("stat_latest_chn_dt", watermark)
	query := `SELECT ` + strings.Join(originColumns, ", ") + `
		FROM stats_kosis_origin_data
		WHERE src_data_id = ? AND tbl_id = ? AND ` + pred

	rows, err := tx.query(ctx, query, append([]any{srcDataID, tblID}, wmArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []OriginRow
	for rows.Next() {
		var r OriginRow
		err := rows.Scan(
			&r.SrcDataID, &r.OrgID, &r.TblID, &r.TblNm,
			&r.C1, &r.C2, &r.C3, &r.C4,
			&r.C1ObjNm, &r.C2ObjNm, &r.C3ObjNm, &r.C4ObjNm,
			&r.C1Nm, &r.C2Nm, &r.C3Nm, &r.C4Nm,
			&r.ItmID, &r.ItmNm, &r.UnitNm, &r.PrdSe, &r.PrdDe, &r.Dt, &r.LstChnDe,
			&r.StatLatestChnDt, &r.DataRefDt, &r.CreatedBy,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

// =============================================================================
// Integration Tables
// =============================================================================

// DeleteIntegrationData removes rows of an integration table for {src, watermark}.
func (tx *Tx) DeleteIntegrationData(ctx context.Context, table, srcDataID string, watermark *string) (int64, error) {
	if !ValidIdentifier(table) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}

	pred, wmArgs := watermarkMatch("src_latest_chn_dt", watermark)
	query := `DELETE FROM ` + table + ` WHERE src_data_id = ? AND ` + pred

	result, err := tx.exec(ctx, query, append([]any{srcDataID}, wmArgs...)...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// InsertIntegrationData inserts one batch of transformed rows into table.
func (tx *Tx) InsertIntegrationData(ctx context.Context, table string, rows []IntegrationRow) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}

	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{
			r.SrcDataID, r.PrdDe, r.C1, r.C2, r.C3, r.ItmID, r.UnitNm, r.Dt,
			r.LstChnDe, r.SrcLatestChnDt, r.CreatedBy,
		}
	}
	return tx.bulkInsert(ctx, table, integrationColumns, values)
}

// EnsureIntegrationTable creates an integration table when it does not exist.
// String-valued tables keep dt as text, all others use NUMERIC(15,3).
func (db *DB) EnsureIntegrationTable(ctx context.Context, table string, stringValued bool) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}

	dtType := "NUMERIC(15,3)"
	if stringValued {
		dtType = "VARCHAR(100)"
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			src_data_id       VARCHAR(64) NOT NULL,
			prd_de            INTEGER NOT NULL,
			c1                VARCHAR(100) NOT NULL DEFAULT '',
			c2                VARCHAR(100) NOT NULL DEFAULT '',
			c3                VARCHAR(100) NOT NULL DEFAULT '',
			itm_id            VARCHAR(100) NOT NULL DEFAULT '',
			unit_nm           VARCHAR(100) NOT NULL DEFAULT '',
			dt                %s,
			lst_chn_de        VARCHAR(10),
			src_latest_chn_dt VARCHAR(10),
			created_by        VARCHAR(20) NOT NULL
		)`, table, dtType)

	_, err := db.ExecContext(ctx, ddl)
	return err
}

// =============================================================================
// Metadata Dictionary
// =============================================================================

// DeleteMetadata removes dictionary rows for {table, watermark}.
func (tx *Tx) DeleteMetadata(ctx context.Context, tblID string, watermark *string) (int64, error) {
	pred, wmArgs := watermarkMatch("stat_latest_chn_dt", watermark)
	query := `DELETE FROM stats_kosis_metadata_code WHERE tbl_id = ? AND ` + pred

	result, err := tx.exec(ctx, query, append([]any{tblID}, wmArgs...)...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// InsertMetadata inserts one batch of dictionary rows.
func (tx *Tx) InsertMetadata(ctx context.Context, rows []MetadataRow) error {
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{
			r.SrcDataID, r.TblID, r.ObjID, r.ObjNm, r.ItmID, r.ItmNm, r.UpItmID,
			r.ObjIDSn, r.UnitID, r.UnitNm, r.StatLatestChnDt, r.CreatedBy,
		}
	}
	return tx.bulkInsert(ctx, "stats_kosis_metadata_code", metadataColumns, values)
}

// =============================================================================
// Per-Table State
// =============================================================================

// UpdateSourceState writes the refreshed watermark fields of a source table.
func (tx *Tx) UpdateSourceState(ctx context.Context, s SourceState) error {
	query := `
		UPDATE stats_src_data_info
		SET stat_latest_chn_dt = ?, stat_data_ref_dt = ?, avail_cat_cols = ?
		WHERE src_data_id = ? AND stat_tbl_id = ?
	`

	result, err := tx.exec(ctx, query, s.StatLatestChnDt, s.StatDataRefDt, s.AvailCatCols, s.SrcDataID, s.StatTblID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSourceSyncTime stamps the per-table registry entry.
func (tx *Tx) UpdateSourceSyncTime(ctx context.Context, statAPIID string, at time.Time) error {
	query := `UPDATE sys_stats_src_api_info SET latest_sync_time = ? WHERE stat_api_id = ?`

	result, err := tx.exec(ctx, query, at, statAPIID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
