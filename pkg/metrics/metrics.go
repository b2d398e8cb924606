// Package metrics holds the Prometheus instruments of the assessment engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of engine metrics. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	DedupHits        *prometheus.CounterVec
	TasksRetried     prometheus.Counter
	TasksExhausted   prometheus.Counter
	TasksBuried      *prometheus.CounterVec
	OutboxDispatched prometheus.Counter
	EnqueueSkipped   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the metrics and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_runs_total",
			Help: "Assessment runs reaching a terminal state",
		},
		[]string{"plugin", "status"},
	)
	m.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assessment_run_duration_seconds",
			Help:    "Wall-clock duration of plugin execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plugin"},
	)
	m.DedupHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_dedup_hits_total",
			Help: "Invocations answered by an existing run with the same idempotency key",
		},
		[]string{"plugin"},
	)
	m.TasksRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assessment_tasks_retried_total",
		Help: "Tasks rescheduled after a transient failure or timeout",
	})
	m.TasksExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assessment_tasks_exhausted_total",
		Help: "Tasks abandoned after the retry window was exhausted",
	})
	m.TasksBuried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_tasks_buried_total",
			Help: "Tasks moved to the dead state",
		},
		[]string{"reason"},
	)
	m.OutboxDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assessment_outbox_dispatched_total",
		Help: "Outbox rows handed to the task broker",
	})
	m.EnqueueSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_enqueue_skipped_total",
			Help: "Enabled plugins skipped at enqueue time",
		},
		[]string{"plugin"},
	)

	m.registry.MustRegister(
		m.RunsTotal, m.RunDuration, m.DedupHits,
		m.TasksRetried, m.TasksExhausted, m.TasksBuried,
		m.OutboxDispatched, m.EnqueueSkipped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRun(plugin, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(plugin, status).Inc()
	if d > 0 {
		m.RunDuration.WithLabelValues(plugin).Observe(d.Seconds())
	}
}

func (m *Metrics) DedupHit(plugin string) {
	if m == nil {
		return
	}
	m.DedupHits.WithLabelValues(plugin).Inc()
}

func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.TasksRetried.Inc()
}

func (m *Metrics) TaskExhausted() {
	if m == nil {
		return
	}
	m.TasksExhausted.Inc()
}

func (m *Metrics) TaskBuried(reason string) {
	if m == nil {
		return
	}
	m.TasksBuried.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OutboxDispatched.Add(float64(n))
}

func (m *Metrics) Skipped(plugin string) {
	if m == nil {
		return
	}
	m.EnqueueSkipped.WithLabelValues(plugin).Inc()
}
