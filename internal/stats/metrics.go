package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the sync process
type Metrics struct {
	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	rangeSplits      prometheus.Counter
	rowsFetched      prometheus.Counter
	tables           *prometheus.CounterVec
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	lastSuccess      prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		providerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statsync_provider_requests_total",
				Help: "Total provider requests by artifact kind and outcome",
			},
			[]string{"kind", "status"}, // status=success/failure
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statsync_provider_request_duration_seconds",
				Help:    "Duration of provider requests",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"kind"},
		),
		rangeSplits: factory.NewCounter(prometheus.CounterOpts{
			Name: "statsync_range_splits_total",
			Help: "Total data ranges bisected after a range-too-large answer",
		}),
		rowsFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "statsync_rows_fetched_total",
			Help: "Total data rows fetched from the provider",
		}),
		tables: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statsync_tables_total",
				Help: "Total table tasks by phase and outcome",
			},
			[]string{"phase", "status"}, // phase=fetch/load
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statsync_runs_total",
				Help: "Total sync runs by mode and outcome",
			},
			[]string{"mode", "status"},
		),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "statsync_run_duration_seconds",
			Help:    "Duration of sync runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "statsync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
