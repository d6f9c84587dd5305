package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batch_engine"

// Metrics stores the Prometheus collectors of the API, executor and workers.
// Every method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	batchRunsTotal        *prometheus.CounterVec
	entriesProcessedTotal *prometheus.CounterVec
	signerCallDuration    *prometheus.HistogramVec
	signerFailuresTotal   *prometheus.CounterVec
	runsInflight          prometheus.Gauge
	rewardPayoutsTotal    *prometheus.CounterVec
	persistenceErrors     *prometheus.CounterVec
	scheduledRunsTotal    prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_runs_total",
				Help:      "Batch runs that reached a terminal state, by final status.",
			},
			[]string{"status"},
		),
		entriesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_processed_total",
				Help:      "Batch entries that reached a terminal state, by operation and status.",
			},
			[]string{"operation", "status"},
		),
		signerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "signer_call_duration_seconds",
				Help:      "Signer round trip duration in seconds by operation.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"operation"},
		),
		signerFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signer_failures_total",
				Help:      "Failed signer calls by operation and failure class.",
			},
			[]string{"operation", "class"},
		),
		runsInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_inflight",
				Help:      "Batch runs currently executing in this process.",
			},
		),
		rewardPayoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reward_payouts_total",
				Help:      "Reward distribution transfers by outcome.",
			},
			[]string{"outcome"},
		),
		persistenceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_errors_total",
				Help:      "Failed job collection loads and saves.",
			},
			[]string{"op"},
		),
		scheduledRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_runs_total",
				Help:      "Batch runs started by the scheduler.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchRunsTotal,
		m.entriesProcessedTotal,
		m.signerCallDuration,
		m.signerFailuresTotal,
		m.runsInflight,
		m.rewardPayoutsTotal,
		m.persistenceErrors,
		m.scheduledRunsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatchRun(status string) {
	if m == nil {
		return
	}
	m.batchRunsTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncEntryProcessed(operation string, status string) {
	if m == nil {
		return
	}
	m.entriesProcessedTotal.WithLabelValues(normalizeLabel(operation), normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveSignerCall(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.signerCallDuration.WithLabelValues(normalizeLabel(operation)).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncSignerFailure(operation string, transient bool) {
	if m == nil {
		return
	}
	class := "permanent"
	if transient {
		class = "transient"
	}
	m.signerFailuresTotal.WithLabelValues(normalizeLabel(operation), class).Inc()
}

func (m *Metrics) IncRunInFlight() {
	if m == nil {
		return
	}
	m.runsInflight.Inc()
}

func (m *Metrics) DecRunInFlight() {
	if m == nil {
		return
	}
	m.runsInflight.Dec()
}

func (m *Metrics) IncRewardPayout(success bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	m.rewardPayoutsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncPersistenceError(op string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *Metrics) IncScheduledRun() {
	if m == nil {
		return
	}
	m.scheduledRunsTotal.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}
	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}
	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
