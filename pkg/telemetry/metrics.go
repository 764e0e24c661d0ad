package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for cloudenv.
type Metrics struct {
	config MetricsConfig

	// Continuation metrics
	continuationSteps    *prometheus.CounterVec
	continuationDuration *prometheus.HistogramVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Capacity metrics
	capacitySelections *prometheus.CounterVec

	// Monitor metrics
	monitorChecks          *prometheus.CounterVec
	environmentTransitions *prometheus.CounterVec

	// Scheduler metrics
	jobsProcessed *prometheus.CounterVec
	taskUnits     *prometheus.CounterVec
	pendingJobs   *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		continuationSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "continuation_steps_total",
				Help:      "Total number of continuation steps by operation and resulting status",
			},
			[]string{"operation", "resource_type", "status"},
		),
		continuationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "continuation_step_duration_seconds",
				Help:      "Duration of a single continuation step in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "resource_type"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider adapter calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider adapter errors",
			},
			[]string{"provider", "operation"},
		),

		capacitySelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capacity_selections_total",
				Help:      "Total number of placement decisions by location and outcome",
			},
			[]string{"location", "outcome"},
		),

		monitorChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_checks_total",
				Help:      "Total number of transition monitor checks by watched state and outcome",
			},
			[]string{"current_state", "outcome"},
		),
		environmentTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "environment_transitions_total",
				Help:      "Total number of environment state transitions",
			},
			[]string{"from", "to"},
		),

		jobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_processed_total",
				Help:      "Total number of deferred jobs processed by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		taskUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_units_total",
				Help:      "Total number of periodic task units by task and outcome",
			},
			[]string{"task", "outcome"},
		),
		pendingJobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_jobs",
				Help:      "Current number of pending jobs per queue",
			},
			[]string{"queue"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.continuationSteps,
		m.continuationDuration,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.capacitySelections,
		m.monitorChecks,
		m.environmentTransitions,
		m.jobsProcessed,
		m.taskUnits,
		m.pendingJobs,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// NewNopMetrics returns a metrics instance that records nothing.
func NewNopMetrics() *Metrics {
	return &Metrics{}
}

// Continuation Metrics

// RecordContinuationStep records one continuation step and its resulting status.
func (m *Metrics) RecordContinuationStep(operation, resourceType, status string, duration time.Duration) {
	if m == nil || m.continuationSteps == nil {
		return
	}
	m.continuationSteps.WithLabelValues(operation, resourceType, status).Inc()
	m.continuationDuration.WithLabelValues(operation, resourceType).Observe(duration.Seconds())
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordCapacitySelection records the outcome of a placement decision.
func (m *Metrics) RecordCapacitySelection(location, outcome string) {
	if m == nil || m.capacitySelections == nil {
		return
	}
	m.capacitySelections.WithLabelValues(location, outcome).Inc()
}

// Monitor Metrics

// RecordMonitorCheck records a fired transition check.
func (m *Metrics) RecordMonitorCheck(currentState, outcome string) {
	if m == nil || m.monitorChecks == nil {
		return
	}
	m.monitorChecks.WithLabelValues(currentState, outcome).Inc()
}

// RecordEnvironmentTransition records an environment state change.
func (m *Metrics) RecordEnvironmentTransition(from, to string) {
	if m == nil || m.environmentTransitions == nil {
		return
	}
	m.environmentTransitions.WithLabelValues(from, to).Inc()
}

// Scheduler Metrics

// RecordJob records a processed deferred job.
func (m *Metrics) RecordJob(queue, outcome string) {
	if m == nil || m.jobsProcessed == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue, outcome).Inc()
}

// RecordTaskUnit records a periodic task unit.
func (m *Metrics) RecordTaskUnit(task, outcome string) {
	if m == nil || m.taskUnits == nil {
		return
	}
	m.taskUnits.WithLabelValues(task, outcome).Inc()
}

// SetPendingJobs sets the current number of pending jobs on a queue.
func (m *Metrics) SetPendingJobs(queue string, count float64) {
	if m == nil || m.pendingJobs == nil {
		return
	}
	m.pendingJobs.WithLabelValues(queue).Set(count)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path is the route the metrics handler is mounted on.
func (m *Metrics) Path() string {
	if m == nil || m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}

// Registry exposes the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
