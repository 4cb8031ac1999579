// Package metrics declares the prometheus instruments exported by the
// daemon and the registry serving them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the dispatcher touches. A fresh registry
// per daemon keeps tests isolated from the default global one.
type Metrics struct {
	Registry *prometheus.Registry

	JobsRunning   prometheus.Gauge
	JobsQueued    prometheus.Gauge
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter

	AdmissionWait prometheus.Histogram
	JobDuration   prometheus.Histogram
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpqueue_jobs_running",
		Help: "Jobs currently executing.",
	})
	m.JobsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpqueue_jobs_queued",
		Help: "Jobs waiting in the queue.",
	})
	m.JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcpqueue_jobs_completed_total",
		Help: "Jobs that finished successfully.",
	})
	m.JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcpqueue_jobs_failed_total",
		Help: "Jobs that ended in failure, including timeouts.",
	})
	m.AdmissionWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcpqueue_admission_wait_seconds",
		Help:    "Time jobs spent blocked on rate-limit gates.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcpqueue_job_duration_seconds",
		Help:    "Wall-clock job execution time.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	m.Registry.MustRegister(
		m.JobsRunning, m.JobsQueued,
		m.JobsCompleted, m.JobsFailed,
		m.AdmissionWait, m.JobDuration,
	)
	return m
}
