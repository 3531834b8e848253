package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProvider_NilIsSafe(t *testing.T) {
	var p *Provider
	p.ObserveAuditWrite("stream", nil)
	p.ObservePipeline(errors.New("x"))
	p.ObserveUpstream(time.Second, nil)
	p.SetQueueDepth(3)
	p.ObserveWebhook(nil)
	if p.Registry() != nil {
		t.Error("nil provider should have no registry")
	}

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := p.MetricsMiddleware()(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Counters(t *testing.T) {
	p := NewProvider()

	p.ObserveAuditWrite("database", nil)
	p.ObserveAuditWrite("database", nil)
	p.ObserveAuditWrite("stream", errors.New("disk full"))
	p.ObservePipeline(nil)
	p.ObservePipeline(errors.New("timeout"))
	p.SetQueueDepth(7)
	p.ObserveWebhook(errors.New("gone"))

	if got := testutil.ToFloat64(p.auditWrites.WithLabelValues("database", OutcomeSuccess)); got != 2 {
		t.Errorf("expected 2 database writes, got %v", got)
	}
	if got := testutil.ToFloat64(p.auditWrites.WithLabelValues("stream", OutcomeFailure)); got != 1 {
		t.Errorf("expected 1 stream failure, got %v", got)
	}
	if got := testutil.ToFloat64(p.pipelineRuns.WithLabelValues(OutcomeFailure)); got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(p.queueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %v", got)
	}
	if got := testutil.ToFloat64(p.webhookSends.WithLabelValues(OutcomeFailure)); got != 1 {
		t.Errorf("expected 1 failed webhook, got %v", got)
	}
}

func TestProvider_UpstreamHistogram(t *testing.T) {
	p := NewProvider()
	p.ObserveUpstream(1500*time.Millisecond, nil)
	p.ObserveUpstream(30*time.Second, errors.New("timeout"))

	if n := testutil.CollectAndCount(p.upstreamLatency); n != 2 {
		t.Errorf("expected 2 outcome series, got %d", n)
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	p := NewProvider()
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/symptoms/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/metrics", p.PrometheusHandler())

	for _, id := range []string{"a", "b", "c"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/symptoms/"+id, nil))
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	want := `symcheck_http_request_duration_seconds_count{method="GET",route="/api/v1/symptoms/:id",status="200"} 3`
	if !strings.Contains(text, want) {
		t.Errorf("expected %q in exposition", want)
	}
	if strings.Contains(text, `/api/v1/symptoms/a"`) {
		t.Error("raw path leaked into labels")
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Error("expected Go runtime collector output")
	}
}

func TestMetricsMiddleware_RecordsHTTPErrorStatus(t *testing.T) {
	p := NewProvider()
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/denied", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "nope")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/denied", nil))

	got := testutil.ToFloat64(p.activeRequests)
	if got != 0 {
		t.Errorf("expected active requests back to 0, got %v", got)
	}
	if n := testutil.CollectAndCount(p.httpDuration); n != 1 {
		t.Fatalf("expected one series, got %d", n)
	}
	if _, err := p.httpDuration.GetMetricWithLabelValues(http.MethodGet, "/denied", "403"); err != nil {
		t.Errorf("expected a 403 series: %v", err)
	}
}
