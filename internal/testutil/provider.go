package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// RangeTooLargeCode is the marker the fake provider answers oversized
// requests with.
const RangeTooLargeCode = "31"

// FakeTable configures how the fake provider serves one table
type FakeTable struct {
	ID          string
	RowsPerYear int // defaults to 1

	// Value returns the DT value for a row; defaults to "<year>.500".
	Value func(year, i int) string

	// DataStatus, MetaStatus and LatestStatus force a non-2xx response.
	DataStatus   int
	MetaStatus   int
	LatestStatus int

	// Exhausted answers every data request with the range-too-large marker.
	Exhausted bool

	// LatestYear anchors count-only data requests, which return the newest
	// cnt years ending at LatestYear. Defaults to 2024.
	LatestYear int

	Meta   string // raw metadata body; DefaultMetaXML when empty
	Latest string // raw latest body; DefaultLatestJSON when empty
}

// FakeRequest is one request observed by the fake provider
type FakeRequest struct {
	Table string
	Kind  string
	From  int
	To    int
}

// Width returns the requested number of years for data requests
func (r FakeRequest) Width() int {
	return r.To - r.From + 1
}

// DefaultLatestJSON carries two change dates; the latest is 2024-03-05.
const DefaultLatestJSON = `[{"SEND_DE":"2024-01-01"},{"SEND_DE":"2024-03-05"},{"SEND_DE":"2023-12-31"}]`

// DefaultMetaXML has a non-XML preamble line ahead of the document.
const DefaultMetaXML = `metadata export generated by provider
<?xml version="1.0" encoding="UTF-8"?>
<root>
  <MetaRow><objId>A</objId><objNm>Region</objNm><itmId>A1</itmId><itmNm>Seoul</itmNm><upItmId></upItmId><objIdSn>1</objIdSn><unitId></unitId><unitNm></unitNm></MetaRow>
  <MetaRow><objId>A</objId><objNm>Region</objNm><itmId>A2</itmId><itmNm>Busan</itmNm><upItmId>A1</upItmId><objIdSn>1</objIdSn><unitId></unitId><unitNm></unitNm></MetaRow>
  <MetaRow><objId>ITEM</objId><objNm>Item</objNm><itmId>T1</itmId><itmNm>Cost</itmNm><upItmId></upItmId><objIdSn></objIdSn><unitId>U1</unitId><unitNm>KRW</unitNm></MetaRow>
</root>
`

// FakeProvider is an httptest server imitating the statistics provider. It
// accepts data requests spanning at most MaxWindow years.
type FakeProvider struct {
	*httptest.Server
	MaxWindow int
	AuthKey   string

	mu       sync.Mutex
	tables   map[string]*FakeTable
	requests []FakeRequest
}

// NewFakeProvider starts a fake provider. Close it with t.Cleanup.
func NewFakeProvider(maxWindow int, authKey string, tables ...*FakeTable) *FakeProvider {
	p := &FakeProvider{
		MaxWindow: maxWindow,
		AuthKey:   authKey,
		tables:    make(map[string]*FakeTable),
	}
	for _, t := range tables {
		p.tables[t.ID] = t
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
	return p
}

// DataTemplate is the api_data_url column value for table id
func DataTemplate(id string) string {
	return fmt.Sprintf(`{"url":"/data?tbl=%s&key={API_AUTH_KEY}&start={START_PRD_DE}&end={END_PRD_DE}&cnt={PRD_CNT}","format":"json"}`, id)
}

// CountDataTemplate is a data template that only carries the period count
func CountDataTemplate(id string) string {
	return fmt.Sprintf(`{"url":"/data?tbl=%s&key={API_AUTH_KEY}&cnt={PRD_CNT}","format":"json"}`, id)
}

// MetaTemplate is the api_meta_url column value for table id
func MetaTemplate(id, format string) string {
	return fmt.Sprintf(`{"url":"/meta?tbl=%s&key={API_AUTH_KEY}","format":"%s"}`, id, format)
}

// LatestTemplate is the api_latest_chn_dt_url column value for table id
func LatestTemplate(id, format string) string {
	return fmt.Sprintf(`{"url":"/latest?tbl=%s&key={API_AUTH_KEY}","format":"%s"}`, id, format)
}

// Requests returns every request served so far
func (p *FakeProvider) Requests() []FakeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]FakeRequest, len(p.requests))
	copy(result, p.requests)
	return result
}

// DataRequests returns the data requests made for one table, in order
func (p *FakeProvider) DataRequests(table string) []FakeRequest {
	var result []FakeRequest
	for _, r := range p.Requests() {
		if r.Table == table && r.Kind == "data" {
			result = append(result, r)
		}
	}
	return result
}

func (p *FakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := strings.TrimPrefix(r.URL.Path, "/")

	p.mu.Lock()
	table := p.tables[q.Get("tbl")]
	p.mu.Unlock()

	if table == nil {
		http.Error(w, "unknown table", http.StatusNotFound)
		return
	}
	if p.AuthKey != "" && q.Get("key") != p.AuthKey {
		http.Error(w, "bad key", http.StatusUnauthorized)
		return
	}

	req := FakeRequest{Table: table.ID, Kind: kind}
	if kind == "data" {
		if q.Has("start") {
			req.From, _ = strconv.Atoi(q.Get("start"))
			req.To, _ = strconv.Atoi(q.Get("end"))
		} else {
			cnt, _ := strconv.Atoi(q.Get("cnt"))
			req.To = table.LatestYear
			if req.To == 0 {
				req.To = 2024
			}
			req.From = req.To - cnt + 1
		}
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	switch kind {
	case "data":
		p.serveData(w, table, req)
	case "meta":
		if table.MetaStatus != 0 {
			w.WriteHeader(table.MetaStatus)
			return
		}
		body := table.Meta
		if body == "" {
			body = DefaultMetaXML
		}
		w.Write([]byte(body))
	case "latest":
		if table.LatestStatus != 0 {
			w.WriteHeader(table.LatestStatus)
			return
		}
		body := table.Latest
		if body == "" {
			body = DefaultLatestJSON
		}
		w.Write([]byte(body))
	default:
		http.NotFound(w, r)
	}
}

func (p *FakeProvider) serveData(w http.ResponseWriter, table *FakeTable, req FakeRequest) {
	if table.DataStatus != 0 {
		w.WriteHeader(table.DataStatus)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if table.Exhausted || req.Width() > p.MaxWindow {
		fmt.Fprintf(w, `{"err":"%s","errMsg":"too many rows requested"}`, RangeTooLargeCode)
		return
	}

	perYear := table.RowsPerYear
	if perYear <= 0 {
		perYear = 1
	}

	rows := make([]map[string]string, 0, req.Width()*perYear)
	for year := req.From; year <= req.To; year++ {
		for i := 0; i < perYear; i++ {
			value := fmt.Sprintf("%d.500", year)
			if table.Value != nil {
				value = table.Value(year, i)
			}
			rows = append(rows, map[string]string{
				"ORG_ID":     "101",
				"TBL_ID":     table.ID,
				"TBL_NM":     "Table " + table.ID,
				"C1":         fmt.Sprintf("A%d", i+1),
				"C1_OBJ_NM":  "Region",
				"C1_NM":      fmt.Sprintf("Region %d", i+1),
				"ITM_ID":     "T1",
				"ITM_NM":     "Cost",
				"UNIT_NM":    "KRW",
				"PRD_SE":     "Y",
				"PRD_DE":     strconv.Itoa(year),
				"DT":         value,
				"LST_CHN_DE": "2024-01-01",
			})
		}
	}

	json.NewEncoder(w).Encode(rows)
}
