package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for run dispatch.
type Metrics struct {
	// Run metrics
	runsSubmitted   *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	collectWarnings *prometheus.CounterVec

	// Backend metrics
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendErrors   *prometheus.CounterVec
	backendRetries  *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Policy metrics
	policyViolations *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_submitted_total",
				Help:      "Total number of run submissions by outcome",
			},
			[]string{"runtime", "outcome"},
		),
		runTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_transitions_total",
				Help:      "Total number of run state transitions",
			},
			[]string{"runtime", "from", "to"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of runs that reached a terminal state",
			},
			[]string{"runtime", "state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration from first RUNNING to terminal state in seconds",
				Buckets:   buckets,
			},
			[]string{"runtime", "state"},
		),
		collectWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "output_collection_failures_total",
				Help:      "Total number of failed output collections",
			},
			[]string{"runtime"},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of runtime backend calls",
			},
			[]string{"runtime", "operation"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of runtime backend calls in seconds",
				Buckets:   buckets,
			},
			[]string{"runtime", "operation"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of failed runtime backend calls",
			},
			[]string{"runtime", "operation", "code"},
		),
		backendRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_retries_total",
				Help:      "Total number of retried runtime backend calls",
			},
			[]string{"runtime", "operation"},
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

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of submissions denied by policy",
			},
			[]string{"policy"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of CREATED or RUNNING runs with a correlation",
			},
		),
	}

	registry.MustRegister(
		m.runsSubmitted,
		m.runTransitions,
		m.runsFinished,
		m.runDuration,
		m.collectWarnings,
		m.backendCalls,
		m.backendDuration,
		m.backendErrors,
		m.backendRetries,
		m.errorsByClass,
		m.errorsByCode,
		m.policyViolations,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordSubmission counts a submission by outcome.
func (m *Metrics) RecordSubmission(runtime, outcome string) {
	if m.runsSubmitted == nil {
		return
	}
	m.runsSubmitted.WithLabelValues(runtime, outcome).Inc()
}

// RecordTransition counts a state transition.
func (m *Metrics) RecordTransition(runtime, from, to string) {
	if m.runTransitions == nil {
		return
	}
	m.runTransitions.WithLabelValues(runtime, from, to).Inc()
}

// RecordRunFinished records a run reaching a terminal state.
func (m *Metrics) RecordRunFinished(runtime, state string, duration time.Duration) {
	if m.runsFinished == nil {
		return
	}
	m.runsFinished.WithLabelValues(runtime, state).Inc()
	if duration > 0 {
		m.runDuration.WithLabelValues(runtime, state).Observe(duration.Seconds())
	}
}

// RecordCollectionWarning counts a failed output collection.
func (m *Metrics) RecordCollectionWarning(runtime string) {
	if m.collectWarnings == nil {
		return
	}
	m.collectWarnings.WithLabelValues(runtime).Inc()
}

// Backend Metrics

// RecordBackendCall records a backend call with its duration.
func (m *Metrics) RecordBackendCall(runtime, operation string, duration time.Duration) {
	if m.backendCalls == nil {
		return
	}
	m.backendCalls.WithLabelValues(runtime, operation).Inc()
	m.backendDuration.WithLabelValues(runtime, operation).Observe(duration.Seconds())
}

// RecordBackendError records a failed backend call.
func (m *Metrics) RecordBackendError(runtime, operation, code string) {
	if m.backendErrors == nil {
		return
	}
	m.backendErrors.WithLabelValues(runtime, operation, code).Inc()
}

// RecordBackendRetry records a retried backend call.
func (m *Metrics) RecordBackendRetry(runtime, operation string) {
	if m.backendRetries == nil {
		return
	}
	m.backendRetries.WithLabelValues(runtime, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordPolicyViolation counts a denied submission.
func (m *Metrics) RecordPolicyViolation(policy string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy).Inc()
}

// System Metrics

// SetActiveRuns sets the current number of active runs.
func (m *Metrics) SetActiveRuns(count float64) {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(count)
}

// Registry returns the Prometheus registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

