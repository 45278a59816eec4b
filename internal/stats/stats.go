package stats

import (
	"sync"
	"time"
)

// Phases of a run, used as metric labels
const (
	PhaseFetch = "fetch"
	PhaseLoad  = "load"
)

// RunSummary is the accumulated view of one run
type RunSummary struct {
	ProviderCalls  int
	ProviderErrors int
	RangeSplits    int
	RowsFetched    int
	TablesFetched  int
	FetchFailures  int
	TablesLoaded   int
	LoadFailures   int
}

// Recorder accumulates the counters of one run and mirrors every event into
// Metrics. It implements provider.Observer and is safe for concurrent use.
type Recorder struct {
	metrics *Metrics

	mu      sync.Mutex
	summary RunSummary
}

// NewRecorder creates a recorder. A nil metrics uses unregistered collectors.
func NewRecorder(metrics *Metrics) *Recorder {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Recorder{metrics: metrics}
}

// ObserveRequest records one provider request
func (r *Recorder) ObserveRequest(kind string, elapsed time.Duration, err error) {
	r.metrics.providerRequests.WithLabelValues(kind, status(err == nil)).Inc()
	r.metrics.providerDuration.WithLabelValues(kind).Observe(elapsed.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.ProviderCalls++
	if err != nil {
		r.summary.ProviderErrors++
	}
}

// ObserveSplit records one range bisection
func (r *Recorder) ObserveSplit() {
	r.metrics.rangeSplits.Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.RangeSplits++
}

// TableFetched records the outcome of one fetch task
func (r *Recorder) TableFetched(rows int, ok bool) {
	r.metrics.tables.WithLabelValues(PhaseFetch, status(ok)).Inc()
	if ok {
		r.metrics.rowsFetched.Add(float64(rows))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.summary.TablesFetched++
		r.summary.RowsFetched += rows
	} else {
		r.summary.FetchFailures++
	}
}

// TableLoaded records the outcome of one load task
func (r *Recorder) TableLoaded(ok bool) {
	r.metrics.tables.WithLabelValues(PhaseLoad, status(ok)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.summary.TablesLoaded++
	} else {
		r.summary.LoadFailures++
	}
}

// RunFinished records the end of a run
func (r *Recorder) RunFinished(mode string, elapsed time.Duration, ok bool, at time.Time) {
	r.metrics.runs.WithLabelValues(mode, status(ok)).Inc()
	r.metrics.runDuration.Observe(elapsed.Seconds())
	if ok {
		r.metrics.lastSuccess.Set(float64(at.Unix()))
	}
}

// Summary returns a copy of the accumulated counters
func (r *Recorder) Summary() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}
