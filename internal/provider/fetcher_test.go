package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/statsync/internal/catalog"
	"github.com/livinlefevreloca/statsync/internal/testutil"
)

const testAuthKey = "secret-key"

type countingObserver struct {
	mu       sync.Mutex
	requests map[string]int
	failures int
	splits   int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{requests: make(map[string]int)}
}

func (o *countingObserver) ObserveRequest(kind string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests[kind]++
	if err != nil {
		o.failures++
	}
}

func (o *countingObserver) ObserveSplit() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.splits++
}

func newTestFetcher(t *testing.T, maxWindow int, tables ...*testutil.FakeTable) (*Fetcher, *testutil.FakeProvider, *countingObserver, catalog.Endpoint) {
	t.Helper()

	p := testutil.NewFakeProvider(maxWindow, testAuthKey, tables...)
	t.Cleanup(p.Close)

	observer := newCountingObserver()
	logger := testutil.NewTestLogger().Logger()
	client := NewClient(DefaultConfig(), nil, observer, logger)
	ep := catalog.Endpoint{ID: "EXT1", BaseURL: p.URL, AuthKey: testAuthKey}

	return NewFetcher(client, logger), p, observer, ep
}

func testTable(id string) catalog.SourceTable {
	template := func(raw string) *catalog.URLTemplate {
		var tmpl catalog.URLTemplate
		if err := json.Unmarshal([]byte(raw), &tmpl); err != nil {
			panic(err)
		}
		return &tmpl
	}

	return catalog.SourceTable{
		ID:         id,
		UseBaseURL: true,
		Data:       template(testutil.DataTemplate(id)),
		Meta:       template(testutil.MetaTemplate(id, catalog.FormatXML)),
		Latest:     template(testutil.LatestTemplate(id, catalog.FormatJSON)),
	}
}

func TestFetchRange_SplitsToProviderWindow(t *testing.T) {
	f, p, observer, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A"})

	rows, err := f.FetchRange(context.Background(), ep, testTable("TBL_A"), YearRange{From: 2015, To: 2024})
	require.NoError(t, err)
	require.Len(t, rows, 10)

	var first, last map[string]string
	require.NoError(t, json.Unmarshal(rows[0], &first))
	require.NoError(t, json.Unmarshal(rows[9], &last))
	assert.Equal(t, "2015", first["PRD_DE"])
	assert.Equal(t, "2024", last["PRD_DE"])

	requests := p.DataRequests("TBL_A")
	require.Len(t, requests, 3)
	assert.Equal(t, 10, requests[0].Width())
	assert.Equal(t, testutil.FakeRequest{Table: "TBL_A", Kind: "data", From: 2015, To: 2019}, requests[1])
	assert.Equal(t, testutil.FakeRequest{Table: "TBL_A", Kind: "data", From: 2020, To: 2024}, requests[2])

	assert.Equal(t, 3, observer.requests[KindData])
	assert.Equal(t, 1, observer.splits)
}

func TestFetchRange_EveryRequestWithinWindow(t *testing.T) {
	for window := 1; window <= 4; window++ {
		f, p, _, ep := newTestFetcher(t, window, &testutil.FakeTable{ID: "TBL_A", RowsPerYear: 2})

		rows, err := f.FetchRange(context.Background(), ep, testTable("TBL_A"), YearRange{From: 2001, To: 2013})
		require.NoError(t, err)
		assert.Len(t, rows, 26)

		accepted := 0
		next := 2001
		for _, r := range p.DataRequests("TBL_A") {
			if r.Width() > window {
				continue
			}
			accepted++
			assert.Equal(t, next, r.From)
			next = r.To + 1
		}
		assert.Equal(t, 2014, next)
		assert.Positive(t, accepted)
	}
}

func TestFetchRange_SingleRequestWhenAccepted(t *testing.T) {
	f, p, observer, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A"})

	rows, err := f.FetchRange(context.Background(), ep, testTable("TBL_A"), YearRange{From: 2020, To: 2022})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Len(t, p.DataRequests("TBL_A"), 1)
	assert.Zero(t, observer.splits)
}

func TestFetchRange_Exhausted(t *testing.T) {
	f, p, _, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A", Exhausted: true})

	_, err := f.FetchRange(context.Background(), ep, testTable("TBL_A"), YearRange{From: 2015, To: 2018})
	require.ErrorIs(t, err, ErrRangeExhausted)
	assert.True(t, IsRunScoped(err))
	assert.Len(t, p.DataRequests("TBL_A"), 3)
}

func countOnlyTable(id string) catalog.SourceTable {
	table := testTable(id)
	var tmpl catalog.URLTemplate
	if err := json.Unmarshal([]byte(testutil.CountDataTemplate(id)), &tmpl); err != nil {
		panic(err)
	}
	table.Data = &tmpl
	return table
}

func TestFetchRange_CountOnlyTemplateIsNotSplit(t *testing.T) {
	f, p, observer, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A"})

	_, err := f.FetchRange(context.Background(), ep, countOnlyTable("TBL_A"), YearRange{From: 2015, To: 2024})
	require.ErrorIs(t, err, ErrRangeExhausted)
	assert.True(t, IsRunScoped(err))

	requests := p.DataRequests("TBL_A")
	require.Len(t, requests, 1)
	assert.Equal(t, 10, requests[0].Width())
	assert.Zero(t, observer.splits)
}

func TestFetchRange_CountOnlyTemplateCoversRange(t *testing.T) {
	f, p, _, ep := newTestFetcher(t, 10, &testutil.FakeTable{ID: "TBL_A"})

	rows, err := f.FetchRange(context.Background(), ep, countOnlyTable("TBL_A"), YearRange{From: 2015, To: 2024})
	require.NoError(t, err)
	require.Len(t, rows, 10)

	years := make(map[string]int)
	for _, raw := range rows {
		var row map[string]string
		require.NoError(t, json.Unmarshal(raw, &row))
		years[row["PRD_DE"]]++
	}
	assert.Len(t, years, 10)
	assert.Equal(t, 1, years["2015"])
	assert.Equal(t, 1, years["2024"])
	assert.Len(t, p.DataRequests("TBL_A"), 1)
}

func TestSplittable(t *testing.T) {
	assert.True(t, Splittable(catalog.URLTemplate{URL: "/d?s={START_PRD_DE}&e={END_PRD_DE}"}))
	assert.False(t, Splittable(catalog.URLTemplate{URL: "/d?cnt={PRD_CNT}"}))
	assert.False(t, Splittable(catalog.URLTemplate{URL: "/d?s={START_PRD_DE}&cnt={PRD_CNT}"}))
}

func TestFetchRange_HTTPErrorIsFatal(t *testing.T) {
	f, p, observer, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A", DataStatus: http.StatusInternalServerError})

	_, err := f.FetchRange(context.Background(), ep, testTable("TBL_A"), YearRange{From: 2015, To: 2024})

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.NotContains(t, err.Error(), testAuthKey)
	assert.Contains(t, httpErr.URL, "key=***")
	assert.True(t, IsRunScoped(err))
	assert.Len(t, p.DataRequests("TBL_A"), 1)
	assert.Equal(t, 1, observer.failures)
}

func TestFetchRange_RejectsUnusableTemplates(t *testing.T) {
	f, p, _, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A"})

	noData := testTable("TBL_A")
	noData.Data = nil
	_, err := f.FetchRange(context.Background(), ep, noData, YearRange{From: 2015, To: 2024})
	assert.ErrorIs(t, err, ErrNoTemplate)

	xmlData := testTable("TBL_A")
	xmlData.Data = &catalog.URLTemplate{URL: xmlData.Data.URL, Format: catalog.FormatXML}
	_, err = f.FetchRange(context.Background(), ep, xmlData, YearRange{From: 2015, To: 2024})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	assert.Empty(t, p.Requests())
}

func TestFetchMetaAndLatest(t *testing.T) {
	f, _, observer, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A"})
	table := testTable("TBL_A")

	meta, format, err := f.FetchMeta(context.Background(), ep, table)
	require.NoError(t, err)
	assert.Equal(t, catalog.FormatXML, format)
	assert.Equal(t, testutil.DefaultMetaXML, string(meta))

	latest, format, err := f.FetchLatest(context.Background(), ep, table)
	require.NoError(t, err)
	assert.Equal(t, catalog.FormatJSON, format)
	assert.Equal(t, testutil.DefaultLatestJSON, string(latest))

	assert.Equal(t, 1, observer.requests[KindMeta])
	assert.Equal(t, 1, observer.requests[KindLatest])
}

func TestFetchLatest_ProviderErrorObject(t *testing.T) {
	f, _, _, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A", Latest: `{"err":"20","errMsg":"invalid key"}`})

	_, _, err := f.FetchLatest(context.Background(), ep, testTable("TBL_A"))
	require.ErrorIs(t, err, ErrProviderCode)
	assert.Contains(t, err.Error(), "invalid key")
}

func TestFetchMeta_StatusError(t *testing.T) {
	f, _, _, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A", MetaStatus: http.StatusBadGateway})

	_, _, err := f.FetchMeta(context.Background(), ep, testTable("TBL_A"))
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}

func TestExpandURL(t *testing.T) {
	ep := catalog.Endpoint{BaseURL: "https://stats.example", AuthKey: "k123"}
	table := catalog.SourceTable{ID: "T", UseBaseURL: true}
	tmpl := catalog.URLTemplate{URL: "/data?key={API_AUTH_KEY}&cnt={PRD_CNT}&from={START_PRD_DE}&to={END_PRD_DE}"}

	target, redacted := ExpandURL(ep, table, tmpl, &YearRange{From: 2010, To: 2014})
	assert.Equal(t, "https://stats.example/data?key=k123&cnt=5&from=2010&to=2014", target)
	assert.Equal(t, "https://stats.example/data?key=***&cnt=5&from=2010&to=2014", redacted)

	table.UseBaseURL = false
	tmpl.URL = "https://other.example/meta?key={API_AUTH_KEY}&from={START_PRD_DE}"
	target, _ = ExpandURL(ep, table, tmpl, nil)
	assert.Equal(t, "https://other.example/meta?key=k123&from={START_PRD_DE}", target)
}

func TestDecodeData(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		rows     int
		tooLarge bool
		wantErr  error
	}{
		{name: "array", body: `[{"DT":"1"},{"DT":"2"}]`, rows: 2},
		{name: "empty body", body: "  ", rows: 0},
		{name: "single object", body: `{"DT":"1"}`, rows: 1},
		{name: "range too large", body: `{"err":"31","errMsg":"too many"}`, tooLarge: true},
		{name: "numeric code", body: `{"err":31}`, tooLarge: true},
		{name: "other code", body: `{"err":"21","errMsg":"bad"}`, wantErr: ErrProviderCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := DecodeData([]byte(tt.body), "31")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, outcome.Rows, tt.rows)
			assert.Equal(t, tt.tooLarge, outcome.RangeTooLarge)
		})
	}

	_, err := DecodeData([]byte(`<xml/>`), "31")
	assert.Error(t, err)
}

func TestClient_TransportFailureHidesKey(t *testing.T) {
	f, p, _, ep := newTestFetcher(t, 5, &testutil.FakeTable{ID: "TBL_A"})
	p.Close()

	_, _, err := f.FetchLatest(context.Background(), ep, testTable("TBL_A"))
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Zero(t, httpErr.StatusCode)
	assert.NotContains(t, err.Error(), testAuthKey)
}

func TestClient_CanceledContext(t *testing.T) {
	client := NewClient(Config{RateLimit: 1, RateBurst: 1}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Get(ctx, KindMeta, "http://127.0.0.1:0/", "http://127.0.0.1:0/")
	assert.Error(t, err)
}
