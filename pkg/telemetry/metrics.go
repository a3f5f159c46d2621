package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors for runs, phases and engine calls.
// A disabled or nil *Metrics accepts every Record call and does nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec

	engineCalls    *prometheus.CounterVec
	engineDuration *prometheus.HistogramVec
	engineErrors   *prometheus.CounterVec
	errorsByClass  *prometheus.CounterVec

	activeRuns       prometheus.Gauge
	awaitingApproval prometheus.Gauge
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: cfg.Namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: cfg.Namespace, Name: name, Help: help})
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted:   counter("runs_started_total", "Runs started, by action.", "action"),
		runsCompleted: counter("runs_completed_total", "Runs that stopped, by action and final state.", "action", "state"),
		runDuration:   histogram("run_duration_seconds", "Wall time of runs.", "action"),
		phaseDuration: histogram("phase_duration_seconds", "Wall time of invoked services, by machine state.", "phase", "outcome"),

		engineCalls:    counter("engine_calls_total", "Engine client calls.", "client", "operation"),
		engineDuration: histogram("engine_call_duration_seconds", "Wall time of engine client calls.", "client", "operation"),
		engineErrors:   counter("engine_errors_total", "Failed engine client calls.", "client", "operation"),
		errorsByClass:  counter("errors_by_class_total", "Failed phases, by error class.", "class"),

		activeRuns:       gauge("active_runs", "Runs in progress."),
		awaitingApproval: gauge("awaiting_approval", "Runs waiting for plan approval."),
	}

	if err := m.register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) register() error {
	for _, c := range []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.runDuration, m.phaseDuration,
		m.engineCalls, m.engineDuration, m.engineErrors, m.errorsByClass,
		m.activeRuns, m.awaitingApproval,
	} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunStarted counts a run and marks it active.
func (m *Metrics) RecordRunStarted(action string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(action).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a run that stopped in state.
func (m *Metrics) RecordRunCompleted(action, state string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(action, state).Inc()
	m.runDuration.WithLabelValues(action).Observe(d.Seconds())
	m.activeRuns.Dec()
}

func (m *Metrics) RecordPhase(phase, outcome string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.phaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// SetAwaitingApproval moves a run into or out of the approval wait.
func (m *Metrics) SetAwaitingApproval(waiting bool) {
	if !m.enabled() {
		return
	}
	if waiting {
		m.awaitingApproval.Inc()
		return
	}
	m.awaitingApproval.Dec()
}

func (m *Metrics) RecordEngineCall(client, operation string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.engineCalls.WithLabelValues(client, operation).Inc()
	m.engineDuration.WithLabelValues(client, operation).Observe(d.Seconds())
}

func (m *Metrics) RecordEngineError(client, operation string) {
	if !m.enabled() {
		return
	}
	m.engineErrors.WithLabelValues(client, operation).Inc()
}

// RecordError counts a failed phase under its error class.
func (m *Metrics) RecordError(class string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on the configured address. It does
// nothing when metrics are disabled or no address is set. Failing to bind
// is reported; later serve errors are logged.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()
	return nil
}

// Shutdown stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// Timer measures the time since it was created.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
