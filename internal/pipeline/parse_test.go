package pipeline

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/statsync/internal/testutil"
)

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "missing marker", input: "-", want: "0"},
		{name: "trailing zeros", input: "123.400", want: "123.4"},
		{name: "rounded to three places", input: "1.23456", want: "1.235"},
		{name: "negative", input: "-42.5", want: "-42.5"},
		{name: "surrounding space", input: " 7 ", want: "7"},
		{name: "largest value", input: "999999999999.999", want: "999999999999.999"},
		{name: "not numeric", input: "abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "overflow", input: "1000000000000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNumeric(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestParseLatest(t *testing.T) {
	t.Run("json takes the greatest date", func(t *testing.T) {
		got, err := ParseLatest([]byte(testutil.DefaultLatestJSON), "json")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "2024-03-05", *got)
	})

	t.Run("xml with preamble", func(t *testing.T) {
		body := "header line\n<?xml version=\"1.0\"?>\n<root><MetaRow><SendDe>2023-05-01</SendDe></MetaRow><MetaRow><SendDe>2023-11-30</SendDe></MetaRow></root>"
		got, err := ParseLatest([]byte(body), "xml")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "2023-11-30", *got)
	})

	t.Run("no dates", func(t *testing.T) {
		got, err := ParseLatest([]byte(`[]`), "json")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseLatest([]byte(`[{"SEND_DE":`), "json")
		assert.Error(t, err)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := ParseLatest([]byte(`[]`), "csv")
		assert.ErrorIs(t, err, errUnknownFormat)
	})
}

func TestParseRawRecords(t *testing.T) {
	body := `[
		{"ORG_ID":101,"TBL_ID":"TBL_A","TBL_NM":"Costs","C1":"A1","ITM_ID":"T1","PRD_DE":"2020","DT":"1.5"},
		{"ORG_NM":"Agency","TBL_NM":"Costs","ITM_NM":"Cost","PRD_DE":2021,"DT":null},
		{"PRD_DE":"2022","DT":"3"}
	]`

	records, err := ParseRawRecords([]byte(body), "TBL_A")
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "101", records[0].OrgID)
	assert.Equal(t, "TBL_A", records[0].TblID)
	assert.Equal(t, "T1", records[0].ItmID)

	assert.Equal(t, "Agency", records[1].OrgID)
	assert.Equal(t, "Costs", records[1].TblID)
	assert.Equal(t, "Cost", records[1].ItmID)
	assert.Equal(t, "2021", records[1].PrdDe)
	assert.Equal(t, "", records[1].Dt)

	assert.Equal(t, "0", records[2].OrgID)
	assert.Equal(t, "TBL_A", records[2].TblID)
	assert.Equal(t, "", records[2].ItmID)

	assert.Equal(t, []string{"c1"}, availableCategoryColumns(records))
}

func TestParseRawRecords_RequiredFields(t *testing.T) {
	_, err := ParseRawRecords([]byte(`[{"DT":"1"}]`), "TBL_A")
	assert.ErrorContains(t, err, "PRD_DE")

	_, err = ParseRawRecords([]byte(`[{"PRD_DE":"2020"}]`), "TBL_A")
	assert.ErrorContains(t, err, "DT")

	_, err = ParseRawRecords([]byte(`"rows"`), "TBL_A")
	assert.ErrorIs(t, err, errNotJSONObjects)
}

func TestParseMetadata(t *testing.T) {
	t.Run("xml skips preamble", func(t *testing.T) {
		entries, err := ParseMetadata([]byte(testutil.DefaultMetaXML), "xml")
		require.NoError(t, err)
		require.Len(t, entries, 3)

		assert.Equal(t, "A", entries[0].ObjID)
		require.NotNil(t, entries[0].ObjIDSn)
		assert.Equal(t, "1", *entries[0].ObjIDSn)
		assert.Equal(t, "A1", entries[1].UpItmID)
		assert.Nil(t, entries[2].ObjIDSn)
		assert.Equal(t, "KRW", entries[2].UnitNm)
	})

	t.Run("xml without document", func(t *testing.T) {
		_, err := ParseMetadata([]byte("line one\nline two\n"), "xml")
		assert.ErrorIs(t, err, errNoXMLDocument)
	})

	t.Run("broken xml", func(t *testing.T) {
		_, err := ParseMetadata([]byte("<root><MetaRow><objId>A</objId></root>"), "xml")
		assert.Error(t, err)
	})

	t.Run("json", func(t *testing.T) {
		body := `[{"OBJ_ID":"A","OBJ_NM":"Region","ITM_ID":"A1","ITM_NM":"Seoul","OBJ_ID_SN":2,"UNIT_NM":"KRW"}]`
		entries, err := ParseMetadata([]byte(body), "json")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "Seoul", entries[0].ItmNm)
		require.NotNil(t, entries[0].ObjIDSn)
		assert.Equal(t, "2", *entries[0].ObjIDSn)
	})
}

func TestChunk(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunk(items, 2))
	assert.Equal(t, [][]int{{1, 2, 3, 4, 5}}, chunk(items, 10))
	assert.Equal(t, [][]int{{1, 2, 3, 4, 5}}, chunk(items, 0))
	assert.Nil(t, chunk([]int{}, 3))
}
