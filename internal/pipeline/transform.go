package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/livinlefevreloca/statsync/internal/db"
)

// DefaultStringValuedTables lists the integration tables whose value column
// is stored verbatim. Every other table is numeric.
var DefaultStringValuedTables = []string{"stats_dis_hlth_disease_cost_sub"}

// missingValue is the provider's placeholder for an unreported figure.
const missingValue = "-"

// NUMERIC(15,3) leaves twelve integer digits.
var numericLimit = decimal.New(1, 12)

// ParseNumeric converts a raw value to NUMERIC(15,3): "-" becomes zero and
// the result is rounded to three fractional digits.
func ParseNumeric(value string) (decimal.Decimal, error) {
	v := strings.TrimSpace(value)
	if v == missingValue {
		return decimal.Zero, nil
	}

	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("value %q is not numeric", value)
	}
	d = d.Round(3)
	if d.Abs().GreaterThanOrEqual(numericLimit) {
		return decimal.Decimal{}, fmt.Errorf("value %q overflows NUMERIC(15,3)", value)
	}
	return d, nil
}

// toIntegrationRow maps a staged row onto the integration table layout.
func toIntegrationRow(o db.OriginRow, stringValued bool, watermark *string) (db.IntegrationRow, error) {
	prdDe, err := strconv.Atoi(strings.TrimSpace(o.PrdDe))
	if err != nil {
		return db.IntegrationRow{}, fmt.Errorf("prd_de %q is not an integer", o.PrdDe)
	}

	var dt any = o.Dt
	if !stringValued {
		d, err := ParseNumeric(o.Dt)
		if err != nil {
			return db.IntegrationRow{}, err
		}
		dt = d
	}

	var lstChnDe *string
	if o.LstChnDe != "" {
		v := o.LstChnDe
		lstChnDe = &v
	}

	return db.IntegrationRow{
		SrcDataID:      o.SrcDataID,
		PrdDe:          prdDe,
		C1:             o.C1,
		C2:             o.C2,
		C3:             o.C3,
		ItmID:          o.ItmID,
		UnitNm:         o.UnitNm,
		Dt:             dt,
		LstChnDe:       lstChnDe,
		SrcLatestChnDt: watermark,
		CreatedBy:      db.CreatedBy,
	}, nil
}

func toOriginRow(r RawRecord, srcDataID string, watermark *string, dataRefDt string) db.OriginRow {
	return db.OriginRow{
		SrcDataID:       srcDataID,
		OrgID:           r.OrgID,
		TblID:           r.TblID,
		TblNm:           r.TblNm,
		C1:              r.C1,
		C2:              r.C2,
		C3:              r.C3,
		C4:              r.C4,
		C1ObjNm:         r.C1ObjNm,
		C2ObjNm:         r.C2ObjNm,
		C3ObjNm:         r.C3ObjNm,
		C4ObjNm:         r.C4ObjNm,
		C1Nm:            r.C1Nm,
		C2Nm:            r.C2Nm,
		C3Nm:            r.C3Nm,
		C4Nm:            r.C4Nm,
		ItmID:           r.ItmID,
		ItmNm:           r.ItmNm,
		UnitNm:          r.UnitNm,
		PrdSe:           r.PrdSe,
		PrdDe:           r.PrdDe,
		Dt:              r.Dt,
		LstChnDe:        r.LstChnDe,
		StatLatestChnDt: watermark,
		DataRefDt:       dataRefDt,
		CreatedBy:       db.CreatedBy,
	}
}

func toMetadataRow(e MetadataEntry, srcDataID, tblID string, watermark *string) db.MetadataRow {
	return db.MetadataRow{
		SrcDataID:       srcDataID,
		TblID:           tblID,
		ObjID:           e.ObjID,
		ObjNm:           e.ObjNm,
		ItmID:           e.ItmID,
		ItmNm:           e.ItmNm,
		UpItmID:         e.UpItmID,
		ObjIDSn:         e.ObjIDSn,
		UnitID:          e.UnitID,
		UnitNm:          e.UnitNm,
		StatLatestChnDt: watermark,
		CreatedBy:       db.CreatedBy,
	}
}

// availableCategoryColumns lists c1..c4 that hold a value in any record.
func availableCategoryColumns(records []RawRecord) []string {
	var seen [4]bool
	for _, r := range records {
		for i, v := range [4]string{r.C1, r.C2, r.C3, r.C4} {
			if v != "" {
				seen[i] = true
			}
		}
	}

	cols := []string{}
	for i, ok := range seen {
		if ok {
			cols = append(cols, fmt.Sprintf("c%d", i+1))
		}
	}
	return cols
}

func encodeColumns(cols []string) (string, error) {
	b, err := json.Marshal(cols)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
