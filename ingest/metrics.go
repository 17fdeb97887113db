package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "facility_ingest"

const (
	MetricItemsFetched      = "items_fetched_total"
	MetricItemsSkipped      = "items_skipped_total"
	MetricFacilitiesChanged = "facilities_changed_total"
	MetricChangeEvents      = "change_events_total"
	MetricRuns              = "runs_total"
	MetricRunDuration       = "run_duration_seconds"
	MetricPageFetchDuration = "page_fetch_duration_seconds"
	MetricPageFetchFailures = "page_fetch_failures_total"
)

// Metrics holds the pipeline's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ItemsFetched      *prometheus.CounterVec
	ItemsSkipped      *prometheus.CounterVec
	FacilitiesChanged *prometheus.CounterVec
	ChangeEvents      *prometheus.CounterVec
	Runs              *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	PageFetchDuration *prometheus.HistogramVec
	PageFetchFailures *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when it is not
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricItemsFetched,
			Help:      "Registry items normalized and handed to reconciliation.",
		}, []string{"source"}),
		ItemsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricItemsSkipped,
			Help:      "Registry items dropped for a missing identity or name.",
		}, []string{"source"}),
		FacilitiesChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricFacilitiesChanged,
			Help:      "Facilities created or whose data hash moved.",
		}, []string{"source"}),
		ChangeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricChangeEvents,
			Help:      "Change events appended.",
		}, []string{"source", "event_type"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricRuns,
			Help:      "Closed ingest runs.",
		}, []string{"source", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      MetricRunDuration,
			Help:      "Wall time of one source run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"source"}),
		PageFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      MetricPageFetchDuration,
			Help:      "Latency of registry page requests, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		PageFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricPageFetchFailures,
			Help:      "Registry page requests that failed or returned a non-2xx status.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ItemsFetched,
			m.ItemsSkipped,
			m.FacilitiesChanged,
			m.ChangeEvents,
			m.Runs,
			m.RunDuration,
			m.PageFetchDuration,
			m.PageFetchFailures,
		)
	}
	return m
}

func (m *Metrics) itemFetched(source string) {
	if m == nil {
		return
	}
	m.ItemsFetched.WithLabelValues(source).Inc()
}

func (m *Metrics) itemSkipped(source string) {
	if m == nil {
		return
	}
	m.ItemsSkipped.WithLabelValues(source).Inc()
}

func (m *Metrics) facilityChanged(source string) {
	if m == nil {
		return
	}
	m.FacilitiesChanged.WithLabelValues(source).Inc()
}

func (m *Metrics) changeEvent(source, eventType string) {
	if m == nil {
		return
	}
	m.ChangeEvents.WithLabelValues(source, eventType).Inc()
}

func (m *Metrics) runClosed(source, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(source, status).Inc()
	m.RunDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) observeFetch(source string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.PageFetchDuration.WithLabelValues(source).Observe(d.Seconds())
	if !ok {
		m.PageFetchFailures.WithLabelValues(source).Inc()
	}
}
