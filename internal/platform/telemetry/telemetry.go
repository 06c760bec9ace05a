// Package telemetry exposes the engine's operational metrics in Prometheus
// format: HTTP server metrics, department flow counters and board gauges.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Namespace      string `json:"namespace"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = use default (true)
	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool `json:"runtime_metrics"`
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "edflow-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Namespace == "" {
		c.Namespace = "edflow"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

var defaultDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// TelemetryProvider owns a private Prometheus registry. It implements the
// emergency service's Recorder.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	activeRequests  prometheus.Gauge

	triageLevels  *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	activations   *prometheus.CounterVec
	effectFailure *prometheus.CounterVec

	census       prometheus.Gauge
	critical     prometheus.Gauge
	waiting      prometheus.Gauge
	avgWait      prometheus.Gauge
	dbPoolActive prometheus.Gauge
	dbPoolIdle   prometheus.Gauge
}

func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	ns := cfg.Namespace
	reg := prometheus.NewRegistry()

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "http_active_requests",
			Help:      "Requests currently being served",
		}),
		triageLevels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "triage_scored_total",
			Help:      "Completed triages by assigned level",
		}, []string{"level"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "alerts_raised_total",
			Help:      "Clinical alerts raised",
		}, []string{"type", "severity"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "visit_status_changes_total",
			Help:      "Visit status transitions by target status",
		}, []string{"status"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "activations_started_total",
			Help:      "Stroke codes and trauma activations opened",
		}, []string{"kind"}),
		effectFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "side_effect_failures_total",
			Help:      "Failed paging, routing and registry calls",
		}, []string{"effect"}),
		census: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "census",
			Help:      "Active visits in the department",
		}),
		critical: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "critical_patients",
			Help:      "Active visits triaged level 1 or 2",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "waiting_patients",
			Help:      "Active visits not yet in treatment",
		}),
		avgWait: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "average_wait_minutes",
			Help:      "Mean wait of visits not yet in treatment",
		}),
		dbPoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "db_pool_active_connections",
			Help:      "Acquired database connections",
		}),
		dbPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "db_pool_idle_connections",
			Help:      "Idle database connections",
		}),
	}

	reg.MustRegister(
		tp.requestDuration, tp.requestTotal, tp.activeRequests,
		tp.triageLevels, tp.alerts, tp.transitions, tp.activations, tp.effectFailure,
		tp.census, tp.critical, tp.waiting, tp.avgWait,
		tp.dbPoolActive, tp.dbPoolIdle,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"service": cfg.ServiceName, "version": cfg.ServiceVersion, "env": cfg.Environment},
		}, func() float64 { return 1 }),
	)
	if cfg.RuntimeMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return tp
}

// Shutdown is a no-op kept for symmetry with the other server components.
func (tp *TelemetryProvider) Shutdown(_ context.Context) error {
	return nil
}

// Registry returns the provider's registry.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as the
// number of connected board clients.
func (tp *TelemetryProvider) RegisterGaugeFunc(name, help string, fn func() float64) error {
	return tp.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: tp.cfg.Namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// -- emergency.Recorder --

func (tp *TelemetryProvider) TriageScored(level int) {
	tp.triageLevels.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (tp *TelemetryProvider) AlertRaised(alertType, severity string) {
	tp.alerts.WithLabelValues(alertType, severity).Inc()
}

func (tp *TelemetryProvider) StatusChanged(to string) {
	tp.transitions.WithLabelValues(to).Inc()
}

func (tp *TelemetryProvider) ActivationStarted(kind string) {
	tp.activations.WithLabelValues(kind).Inc()
}

func (tp *TelemetryProvider) SideEffectFailed(effect string) {
	tp.effectFailure.WithLabelValues(effect).Inc()
}

func (tp *TelemetryProvider) ObserveBoard(census, critical, waiting int, avgWaitMinutes float64) {
	tp.census.Set(float64(census))
	tp.critical.Set(float64(critical))
	tp.waiting.Set(float64(waiting))
	tp.avgWait.Set(avgWaitMinutes)
}

// ---------------------------------------------------------------------------
// Health metrics
// ---------------------------------------------------------------------------

// HealthMetricsRecorder records infrastructure gauges.
type HealthMetricsRecorder struct {
	tp *TelemetryProvider
}

func (tp *TelemetryProvider) HealthMetrics() *HealthMetricsRecorder {
	return &HealthMetricsRecorder{tp: tp}
}

func (h *HealthMetricsRecorder) SetDBPoolActive(n int64) {
	h.tp.dbPoolActive.Set(float64(n))
}

func (h *HealthMetricsRecorder) SetDBPoolIdle(n int64) {
	h.tp.dbPoolIdle.Set(float64(n))
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request count and latency by route pattern.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.activeRequests.Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			tp.activeRequests.Dec()

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(c.Response().Status)
			method := c.Request().Method

			tp.requestDuration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
			tp.requestTotal.WithLabelValues(method, route, status).Inc()

			return nil
		}
	}
}

// PrometheusHandler serves the registry in Prometheus text format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}
