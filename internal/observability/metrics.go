// Package observability carries the teacher's metrics.go/tracing.go split
// forward, replaced with domain-appropriate gauges: step and stage
// lifecycle counts, scheduler tick latency, and supervisor spawn duration
// in place of the teacher's gRPC-call and queue-depth metrics (there is no
// gRPC surface or message queue in the core).
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler exposes the default registry on /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Metrics holds every Prometheus metric the engine exposes on /metrics.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SchedulerTickDuration prometheus.Histogram
	StepsClaimedTotal     prometheus.Counter
	StepsCompletedTotal   *prometheus.CounterVec
	StagesCompletedTotal  *prometheus.CounterVec
	RunsCompletedTotal    *prometheus.CounterVec

	SupervisorSpawnDuration *prometheus.HistogramVec

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns the engine's metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maxq_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maxq_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SchedulerTickDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "maxq_scheduler_tick_duration_seconds",
				Help:    "Duration of one scheduler poll tick.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		StepsClaimedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "maxq_steps_claimed_total",
				Help: "Total number of successful step claims.",
			},
		),
		StepsCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maxq_steps_completed_total",
				Help: "Total number of steps reaching a terminal status.",
			},
			[]string{"status"},
		),
		StagesCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maxq_stages_completed_total",
				Help: "Total number of stages reaching a terminal status.",
			},
			[]string{"status"},
		),
		RunsCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maxq_runs_completed_total",
				Help: "Total number of runs reaching a terminal status.",
			},
			[]string{"status", "termination_reason"},
		),
		SupervisorSpawnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maxq_supervisor_spawn_duration_seconds",
				Help:    "Duration of a supervised child process, by role.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"role"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maxq_errors_total",
				Help: "Total number of internal errors, by component.",
			},
			[]string{"component"},
		),
	}
}

func (m *Metrics) RecordHTTPRequest(method, route, status string) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
}

func (m *Metrics) ObserveHTTPDuration(method, route string, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

func (m *Metrics) ObserveSchedulerTick(seconds float64) {
	m.SchedulerTickDuration.Observe(seconds)
}

func (m *Metrics) RecordStepClaimed() {
	m.StepsClaimedTotal.Inc()
}

func (m *Metrics) RecordStepCompleted(status string) {
	m.StepsCompletedTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordStageCompleted(status string) {
	m.StagesCompletedTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRunCompleted(status, terminationReason string) {
	m.RunsCompletedTotal.WithLabelValues(status, terminationReason).Inc()
}

func (m *Metrics) ObserveSupervisorSpawn(role string, seconds float64) {
	m.SupervisorSpawnDuration.WithLabelValues(role).Observe(seconds)
}

func (m *Metrics) RecordError(component string) {
	m.ErrorsTotal.WithLabelValues(component).Inc()
}
