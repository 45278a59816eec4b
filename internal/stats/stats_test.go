package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/statsync/internal/db"
	"github.com/livinlefevreloca/statsync/internal/testutil"
)

// counterValue sums every series of a gathered counter family
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestRecorder_AccumulatesAndExports(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(NewMetrics(reg))

	r.ObserveRequest("data", 20*time.Millisecond, nil)
	r.ObserveRequest("data", 30*time.Millisecond, nil)
	r.ObserveRequest("meta", 10*time.Millisecond, errors.New("boom"))
	r.ObserveSplit()
	r.TableFetched(120, true)
	r.TableFetched(0, false)
	r.TableLoaded(true)
	r.TableLoaded(false)

	assert.Equal(t, RunSummary{
		ProviderCalls:  3,
		ProviderErrors: 1,
		RangeSplits:    1,
		RowsFetched:    120,
		TablesFetched:  1,
		FetchFailures:  1,
		TablesLoaded:   1,
		LoadFailures:   1,
	}, r.Summary())

	assert.Equal(t, 2.0, counterValue(t, reg, "statsync_provider_requests_total", map[string]string{"kind": "data", "status": "success"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "statsync_provider_requests_total", map[string]string{"status": "failure"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "statsync_range_splits_total", nil))
	assert.Equal(t, 120.0, counterValue(t, reg, "statsync_rows_fetched_total", nil))
	assert.Equal(t, 1.0, counterValue(t, reg, "statsync_tables_total", map[string]string{"phase": "load", "status": "failure"}))
}

func TestRecorder_RunFinished(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(NewMetrics(reg))

	r.RunFinished("db", time.Minute, true, time.Unix(1700000000, 0))
	r.RunFinished("file", time.Second, false, time.Unix(1700000100, 0))

	assert.Equal(t, 1.0, counterValue(t, reg, "statsync_runs_total", map[string]string{"mode": "db", "status": "success"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "statsync_runs_total", map[string]string{"mode": "file", "status": "failure"}))

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "statsync_last_success_timestamp_seconds" {
			assert.Equal(t, 1700000000.0, family.GetMetric()[0].GetGauge().GetValue())
		}
	}
}

func TestRecorder_ConcurrentUse(t *testing.T) {
	r := NewRecorder(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ObserveRequest("data", time.Millisecond, nil)
			r.TableFetched(2, true)
		}()
	}
	wg.Wait()

	summary := r.Summary()
	assert.Equal(t, 50, summary.ProviderCalls)
	assert.Equal(t, 100, summary.RowsFetched)
}

func TestDBAdapter_WriteRunStats(t *testing.T) {
	warehouse := testutil.NewWarehouse(t)
	testutil.SeedEndpoint(t, warehouse, testutil.EndpointFixture{ExtAPIID: "EXT1", ExtSys: "KOSIS"})
	adapter := NewDBAdapter(warehouse)

	started := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	row := &db.RunStats{
		RunID:         "run-1",
		ExtAPIID:      "EXT1",
		Mode:          "db",
		StartedAt:     started,
		FinishedAt:    started.Add(time.Minute),
		TablesTotal:   2,
		TablesFetched: 2,
		TablesLoaded:  1,
		TablesFailed:  1,
		Success:       false,
	}
	require.NoError(t, adapter.WriteRunStats(context.Background(), row))

	got, err := warehouse.GetRunStats(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TablesFailed)
	assert.False(t, got.Success)

	err = adapter.WriteRunStats(context.Background(), row)
	require.ErrorIs(t, err, ErrRunRecorded)
	assert.True(t, db.IsDuplicate(err))

	orphan := *row
	orphan.RunID = "run-2"
	orphan.ExtAPIID = "EXT_MISSING"
	err = adapter.WriteRunStats(context.Background(), &orphan)
	require.ErrorIs(t, err, ErrUnknownEndpoint)
	assert.True(t, db.IsForeignKey(err))
}
