// Package telemetry exposes Prometheus metrics for the HTTP surface, the
// diagnosis pipeline, the upstream diagnostic call and the audit sinks.
// Metrics live in a private registry so tests can build as many providers
// as they like.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "symcheck"

// Outcome labels shared by the counters below.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// upstream calls are model inferences and take seconds, not milliseconds.
var upstreamBuckets = []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60}

// Provider owns the registry and every metric the service exports. A nil
// *Provider is valid and records nothing.
type Provider struct {
	registry *prometheus.Registry

	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	pipelineRuns    *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	auditWrites     *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	webhookSends    *prometheus.CounterVec
}

// NewProvider creates a Provider with Go runtime and process collectors.
func NewProvider() *Provider {
	reg := prometheus.NewRegistry()
	p := &Provider{
		registry: reg,
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served.",
		}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnosis_runs_total",
			Help:      "Diagnosis pipeline runs by terminal outcome.",
		}, []string{"outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "diagnostic_upstream_duration_seconds",
			Help:      "Latency of calls to the external diagnostic service.",
			Buckets:   upstreamBuckets,
		}, []string{"outcome"}),
		auditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Audit record writes by sink and outcome.",
		}, []string{"sink", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diagnosis_queue_depth",
			Help:      "Entries waiting for a diagnosis worker.",
		}),
		webhookSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Completion webhook deliveries by outcome, after retries.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.httpDuration, p.activeRequests,
		p.pipelineRuns, p.upstreamLatency, p.auditWrites, p.queueDepth, p.webhookSends,
	)
	return p
}

// Registry returns the underlying registry, for tests and extra collectors.
func (p *Provider) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// ObserveAuditWrite implements hipaa.AuditObserver.
func (p *Provider) ObserveAuditWrite(sink string, err error) {
	if p == nil {
		return
	}
	p.auditWrites.WithLabelValues(sink, outcome(err)).Inc()
}

// ObservePipeline counts a finished diagnosis run.
func (p *Provider) ObservePipeline(err error) {
	if p == nil {
		return
	}
	p.pipelineRuns.WithLabelValues(outcome(err)).Inc()
}

// ObserveUpstream records one call to the diagnostic service.
func (p *Provider) ObserveUpstream(d time.Duration, err error) {
	if p == nil {
		return
	}
	p.upstreamLatency.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

// SetQueueDepth reports how many entries are waiting for a worker.
func (p *Provider) SetQueueDepth(n int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

// ObserveWebhook counts one completion notification after its last attempt.
func (p *Provider) ObserveWebhook(err error) {
	if p == nil {
		return
	}
	p.webhookSends.WithLabelValues(outcome(err)).Inc()
}

// MetricsMiddleware records request latency labelled by the route pattern,
// never the raw path, so entry ids do not explode label cardinality.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil {
				return next(c)
			}
			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.httpDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
