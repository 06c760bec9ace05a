package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTelemetryConfig_Defaults(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})

	if tp.cfg.ServiceName != "edflow-server" {
		t.Fatalf("expected default ServiceName='edflow-server', got %q", tp.cfg.ServiceName)
	}
	if tp.cfg.Namespace != "edflow" {
		t.Fatalf("expected default Namespace='edflow', got %q", tp.cfg.Namespace)
	}
	if tp.cfg.Environment != "development" {
		t.Fatalf("expected default Environment='development', got %q", tp.cfg.Environment)
	}
	if !tp.cfg.metricsOn() {
		t.Fatal("expected MetricsEnabled=true by default")
	}
}

func TestRecorder_Counters(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})

	tp.TriageScored(1)
	tp.TriageScored(1)
	tp.TriageScored(3)
	tp.AlertRaised("critical_result", "critical")
	tp.StatusChanged("triaged")
	tp.ActivationStarted("stroke")
	tp.SideEffectFailed("page_stroke")
	tp.SideEffectFailed("page_stroke")

	if got := testutil.ToFloat64(tp.triageLevels.WithLabelValues("1")); got != 2 {
		t.Errorf("expected 2 level-1 triages, got %v", got)
	}
	if got := testutil.ToFloat64(tp.triageLevels.WithLabelValues("3")); got != 1 {
		t.Errorf("expected 1 level-3 triage, got %v", got)
	}
	if got := testutil.ToFloat64(tp.alerts.WithLabelValues("critical_result", "critical")); got != 1 {
		t.Errorf("expected 1 alert, got %v", got)
	}
	if got := testutil.ToFloat64(tp.transitions.WithLabelValues("triaged")); got != 1 {
		t.Errorf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(tp.activations.WithLabelValues("stroke")); got != 1 {
		t.Errorf("expected 1 activation, got %v", got)
	}
	if got := testutil.ToFloat64(tp.effectFailure.WithLabelValues("page_stroke")); got != 2 {
		t.Errorf("expected 2 failures, got %v", got)
	}
}

func TestRecorder_ObserveBoard(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	tp.ObserveBoard(12, 3, 5, 42.5)

	if got := testutil.ToFloat64(tp.census); got != 12 {
		t.Errorf("census = %v", got)
	}
	if got := testutil.ToFloat64(tp.critical); got != 3 {
		t.Errorf("critical = %v", got)
	}
	if got := testutil.ToFloat64(tp.waiting); got != 5 {
		t.Errorf("waiting = %v", got)
	}
	if got := testutil.ToFloat64(tp.avgWait); got != 42.5 {
		t.Errorf("avg wait = %v", got)
	}
}

func TestHealthMetrics(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	hm := tp.HealthMetrics()
	hm.SetDBPoolActive(4)
	hm.SetDBPoolIdle(6)

	if got := testutil.ToFloat64(tp.dbPoolActive); got != 4 {
		t.Errorf("active = %v", got)
	}
	if got := testutil.ToFloat64(tp.dbPoolIdle); got != 6 {
		t.Errorf("idle = %v", got)
	}
}

func newTestServer(tp *TelemetryProvider) *echo.Echo {
	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/api/v1/visits/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "down")
	})
	e.GET("/metrics", tp.PrometheusHandler())
	return e
}

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	e := newTestServer(tp)

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/visits/"+id, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}

	if got := testutil.ToFloat64(tp.requestTotal.WithLabelValues("GET", "/api/v1/visits/:id", "200")); got != 3 {
		t.Errorf("expected 3 requests on the route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(tp.activeRequests); got != 0 {
		t.Errorf("expected no active requests, got %v", got)
	}
}

func TestMetricsMiddleware_RecordsErrorStatus(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	e := newTestServer(tp)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(tp.requestTotal.WithLabelValues("GET", "/boom", "502")); got != 1 {
		t.Errorf("expected 1 failed request, got %v", got)
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{MetricsEnabled: BoolPtr(false)})
	e := newTestServer(tp)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/visits/x", nil))

	if n := testutil.CollectAndCount(tp.requestTotal); n != 0 {
		t.Errorf("expected no series when disabled, got %d", n)
	}
}

func TestPrometheusHandler(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{ServiceVersion: "1.4.0"})
	tp.TriageScored(2)
	if err := tp.RegisterGaugeFunc("board_clients", "Connected board displays", func() float64 { return 7 }); err != nil {
		t.Fatalf("register gauge func: %v", err)
	}
	if err := tp.RegisterGaugeFunc("board_clients", "dup", func() float64 { return 0 }); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	e := newTestServer(tp)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`edflow_triage_scored_total{level="2"} 1`,
		`edflow_board_clients 7`,
		`version="1.4.0"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
