// Package metrics exposes the worker's prometheus instrumentation on a
// private registry served by the status server.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/forgeci/build-worker/internal/worker/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker's instruments
type Metrics struct {
	registry *prometheus.Registry

	jobsProcessed *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	stallsTotal   prometheus.Counter
	state         *prometheus.GaugeVec

	mu        sync.Mutex
	lastState string
}

// New creates and registers the worker's metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "build_worker",
			Name:      "jobs_processed_total",
			Help:      "Jobs processed, partitioned by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "build_worker",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of job processing.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		stallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "build_worker",
			Name:      "stalls_total",
			Help:      "Jobs abandoned after exceeding their hard timeout.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "build_worker",
			Name:      "state",
			Help:      "Current lifecycle state (1 for the active state, 0 otherwise).",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.jobsProcessed,
		m.jobDuration,
		m.stallsTotal,
		m.state,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler serves the registry in prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobFinished records one processed job
func (m *Metrics) JobFinished(outcome string, duration time.Duration) {
	m.jobsProcessed.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(duration.Seconds())
}

// StallObserved records one abandoned stalled job
func (m *Metrics) StallObserved() {
	m.stallsTotal.Inc()
}

// SetState flips the state gauge to the given lifecycle state
func (m *Metrics) SetState(s domain.LifecycleState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastState != "" {
		m.state.WithLabelValues(m.lastState).Set(0)
	}
	m.lastState = s.String()
	m.state.WithLabelValues(m.lastState).Set(1)
}
