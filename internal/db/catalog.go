package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Catalog Reads
// =============================================================================

// GetActiveEndpoint returns the active sys_ext_api_info row for extSys.
func (db *DB) GetActiveEndpoint(ctx context.Context, extSys string) (*ExtAPIInfo, error) {
	info := &ExtAPIInfo{}

	query := `
		SELECT ext_api_id, if_name, ext_sys, ext_url, auth, data_format, latest_sync_time
		FROM sys_ext_api_info
		WHERE ext_sys = ? AND del_yn = 'N' AND status = 'A'
		ORDER BY ext_api_id
		LIMIT 1
	`

	err := db.QueryRowContext(ctx, db.Rebind(query), extSys).Scan(
		&info.ExtAPIID,
		&info.IfName,
		&info.ExtSys,
		&info.ExtURL,
		&info.Auth,
		&info.DataFormat,
		&info.LatestSyncTime,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return info, nil
}

// ListSourceRows returns every active source table registered under extAPIID,
// ordered by stat_api_id.
func (db *DB) ListSourceRows(ctx context.Context, extAPIID string) ([]SourceRow, error) {
	query := `
		SELECT
			a.stat_api_id, a.ext_api_id, a.stat_title, a.stat_tbl_id, a.use_base_url_yn,
			a.api_data_url, a.api_meta_url, a.api_latest_chn_dt_url,
			d.src_data_id, d.intg_tbl_id, d.periodicity, d.collect_start_dt, d.collect_end_dt,
			d.stat_tbl_name, d.stat_latest_chn_dt, d.stat_data_ref_dt, d.avail_cat_cols
		FROM sys_stats_src_api_info a
		JOIN stats_src_data_info d
			ON d.ext_api_id = a.ext_api_id AND d.stat_tbl_id = a.stat_tbl_id
		WHERE a.ext_api_id = ?
			AND a.del_yn = 'N' AND a.status = 'A'
			AND d.del_yn = 'N' AND d.status = 'A'
		ORDER BY a.stat_api_id
	`

	rows, err := db.QueryContext(ctx, db.Rebind(query), extAPIID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SourceRow
	for rows.Next() {
		var r SourceRow
		err := rows.Scan(
			&r.StatAPIID,
			&r.ExtAPIID,
			&r.StatTitle,
			&r.StatTblID,
			&r.UseBaseURLYN,
			&r.APIDataURL,
			&r.APIMetaURL,
			&r.APILatestChnDtURL,
			&r.SrcDataID,
			&r.IntgTblID,
			&r.Periodicity,
			&r.CollectStartDt,
			&r.CollectEndDt,
			&r.StatTblName,
			&r.StatLatestChnDt,
			&r.StatDataRefDt,
			&r.AvailCatCols,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

// GetSourceRow returns the joined source row for one stat_tbl_id.
func (db *DB) GetSourceRow(ctx context.Context, extAPIID, statTblID string) (*SourceRow, error) {
	rows, err := db.ListSourceRows(ctx, extAPIID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].StatTblID == statTblID {
			return &rows[i], nil
		}
	}
	return nil, ErrNotFound
}

// =============================================================================
// Endpoint Watermark
// =============================================================================

// UpdateEndpointSyncTime sets the global watermark of an endpoint.
func (db *DB) UpdateEndpointSyncTime(ctx context.Context, extAPIID string, at time.Time) error {
	query := `UPDATE sys_ext_api_info SET latest_sync_time = ? WHERE ext_api_id = ?`

	result, err := db.ExecContext(ctx, db.Rebind(query), at, extAPIID)
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
