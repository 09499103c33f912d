package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync outcomes used as the "outcome" label of grill_sync_runs_total.
const (
	OutcomeSkipped   = "skipped"
	OutcomeUnchanged = "unchanged"
	OutcomeAdopted   = "adopted"
	OutcomeMerged    = "merged"
	OutcomeFailed    = "failed"
)

// Metrics holds Prometheus counters and gauges for the grill monitor.
// A nil *Metrics is valid and records nothing, so tests can pass nil.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	requestDuration     *prometheus.HistogramVec
	sessionSavesTotal   *prometheus.CounterVec
	lockContentionTotal prometheus.Counter
	syncRunsTotal       *prometheus.CounterVec
	mergesTotal         prometheus.Counter
	readingsTotal       prometheus.Counter
	sessionsCleared     prometheus.Counter
	trackedChannels     prometheus.Gauge
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grill_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grill_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grill_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern, method and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
	sessionSavesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grill_session_saves_total",
		Help: "Session writes by backing store and result",
	}, []string{"store", "result"})
	lockContentionTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grill_session_lock_contention_total",
		Help: "Durable writes skipped because the session lock was held",
	})
	syncRunsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grill_sync_runs_total",
		Help: "Sync cycles by mode and outcome",
	}, []string{"mode", "outcome"})
	mergesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grill_session_merges_total",
		Help: "Field-level merges of divergent session snapshots",
	})
	readingsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grill_readings_recorded_total",
		Help: "Temperature readings appended to session history",
	})
	sessionsCleared := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grill_sessions_cleared_total",
		Help: "Explicit session clears",
	})
	trackedChannels := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grill_tracked_channels",
		Help: "Channels with temperature history in the current session",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		requestDuration,
		sessionSavesTotal,
		lockContentionTotal,
		syncRunsTotal,
		mergesTotal,
		readingsTotal,
		sessionsCleared,
		trackedChannels,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		requestDuration:     requestDuration,
		sessionSavesTotal:   sessionSavesTotal,
		lockContentionTotal: lockContentionTotal,
		syncRunsTotal:       syncRunsTotal,
		mergesTotal:         mergesTotal,
		readingsTotal:       readingsTotal,
		sessionsCleared:     sessionsCleared,
		trackedChannels:     trackedChannels,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// ObserveRequest records the latency of one request. route is the matched
// chi pattern, not the raw path.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveSave records one session write against store ("durable", "cache").
func (m *Metrics) ObserveSave(store string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.sessionSavesTotal.WithLabelValues(store, result).Inc()
}

// IncLockContention counts a write skipped on a held lock.
func (m *Metrics) IncLockContention() {
	if m == nil {
		return
	}
	m.lockContentionTotal.Inc()
}

// ObserveSync records the outcome of one sync cycle.
func (m *Metrics) ObserveSync(mode, outcome string) {
	if m == nil {
		return
	}
	m.syncRunsTotal.WithLabelValues(mode, outcome).Inc()
}

// IncMerges increments the merge counter.
func (m *Metrics) IncMerges() {
	if m == nil {
		return
	}
	m.mergesTotal.Inc()
}

// AddReadings adds n recorded readings.
func (m *Metrics) AddReadings(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.readingsTotal.Add(float64(n))
}

// IncSessionsCleared increments the clear counter.
func (m *Metrics) IncSessionsCleared() {
	if m == nil {
		return
	}
	m.sessionsCleared.Inc()
}

// SetTrackedChannels sets the tracked channels gauge.
func (m *Metrics) SetTrackedChannels(n int) {
	if m == nil {
		return
	}
	m.trackedChannels.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
