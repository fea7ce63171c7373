package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics of the system. Each instance owns
// its registry.
type Metrics struct {
	// Session metrics
	SessionsActive *prometheus.GaugeVec
	SessionQuota   *prometheus.GaugeVec
	SessionCreates *prometheus.CounterVec

	// Child metrics
	ChildStarts    *prometheus.CounterVec
	ChildFaults    *prometheus.CounterVec
	ChildTeardowns *prometheus.CounterVec

	// Control loop metrics
	LoopIterations    *prometheus.CounterVec
	CorrelationErrors *prometheus.CounterVec
	RestartThrottle   *prometheus.HistogramVec
	FaultWait         *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. An empty namespace defaults to
// "failsafe".
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "failsafe"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of live sessions per service",
			},
			[]string{"service"},
		),
		SessionQuota: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_quota_bytes",
				Help:      "Quota held by live sessions per service",
			},
			[]string{"service"},
		),
		SessionCreates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_creates_total",
				Help:      "Total number of session create requests",
			},
			[]string{"service", "result"},
		),

		ChildStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "child_starts_total",
				Help:      "Total number of child start attempts",
			},
			[]string{"binary", "result"},
		),
		ChildFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "child_faults_total",
				Help:      "Total number of observed child faults",
			},
			[]string{"binary", "kind"},
		),
		ChildTeardowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "child_teardowns_total",
				Help:      "Total number of child teardowns",
			},
			[]string{"binary"},
		),

		LoopIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_iterations_total",
				Help:      "Total number of completed start-fault-teardown rounds",
			},
			[]string{"scenario"},
		),
		CorrelationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "correlation_errors_total",
				Help:      "Total number of signals delivered for an unexpected context",
			},
			[]string{"scenario"},
		),
		RestartThrottle: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "restart_throttle_seconds",
				Help:      "Time spent waiting for the restart limiter",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"scenario"},
		),
		FaultWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fault_wait_seconds",
				Help:      "Time from child start to fault signal",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"scenario"},
		),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionQuota,
		m.SessionCreates,
		m.ChildStarts,
		m.ChildFaults,
		m.ChildTeardowns,
		m.LoopIterations,
		m.CorrelationErrors,
		m.RestartThrottle,
		m.FaultWait,
	)

	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionCreated records a successful session create
func (m *Metrics) SessionCreated(service string, quota uint64) {
	m.SessionCreates.WithLabelValues(service, "ok").Inc()
	m.SessionsActive.WithLabelValues(service).Inc()
	m.SessionQuota.WithLabelValues(service).Add(float64(quota))
}

// SessionRejected records a failed session create
func (m *Metrics) SessionRejected(service, reason string) {
	m.SessionCreates.WithLabelValues(service, reason).Inc()
}

// SessionDestroyed records a session destruction
func (m *Metrics) SessionDestroyed(service string, quota uint64) {
	m.SessionsActive.WithLabelValues(service).Dec()
	m.SessionQuota.WithLabelValues(service).Sub(float64(quota))
}

// ChildStarted records a successful child start
func (m *Metrics) ChildStarted(binary string) {
	m.ChildStarts.WithLabelValues(binary, "ok").Inc()
}

// ChildStartFailed records a child start that was unwound
func (m *Metrics) ChildStartFailed(binary string) {
	m.ChildStarts.WithLabelValues(binary, "failed").Inc()
}

// ChildFaulted records an observed child fault
func (m *Metrics) ChildFaulted(binary, kind string) {
	m.ChildFaults.WithLabelValues(binary, kind).Inc()
}

// ChildTornDown records a child teardown
func (m *Metrics) ChildTornDown(binary string) {
	m.ChildTeardowns.WithLabelValues(binary).Inc()
}

// IterationCompleted records a finished control loop round
func (m *Metrics) IterationCompleted(scenario string, wait time.Duration) {
	m.LoopIterations.WithLabelValues(scenario).Inc()
	m.FaultWait.WithLabelValues(scenario).Observe(wait.Seconds())
}

// CorrelationFailed records a signal for an unexpected context
func (m *Metrics) CorrelationFailed(scenario string) {
	m.CorrelationErrors.WithLabelValues(scenario).Inc()
}

// RestartThrottled records time spent waiting before a restart
func (m *Metrics) RestartThrottled(scenario string, d time.Duration) {
	m.RestartThrottle.WithLabelValues(scenario).Observe(d.Seconds())
}
