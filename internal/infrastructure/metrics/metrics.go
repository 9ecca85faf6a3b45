// Package metrics exposes Prometheus metrics for the stock ledger service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

// Metrics holds all stock ledger metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Ledger operations
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Reconciliation
	AuditPairs    prometheus.Gauge
	AuditDrifting prometheus.Gauge
	RebuildEvents *prometheus.CounterVec
}

var _ stock.Metrics = (*Metrics)(nil)

// Config holds metrics configuration
type Config struct {
	Namespace string
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() Config {
	return Config{Namespace: "stockledger"}
}

// New creates a Metrics instance on its own registry.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	m.HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "operations_total",
			Help:      "Stock ledger operations by outcome code",
		},
		[]string{"operation", "code"},
	)

	m.OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Stock ledger operation duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30, 120},
		},
		[]string{"operation"},
	)

	m.AuditPairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "audit_pairs",
		Help:      "Product/location pairs checked by the last audit",
	})

	m.AuditDrifting = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "audit_drifting_pairs",
		Help:      "Pairs whose cached balance drifted from the ledger in the last audit",
	})

	m.RebuildEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "rebuild_events_total",
			Help:      "Source events replayed by rebuilds",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.OperationsTotal,
		m.OperationDuration,
		m.AuditPairs,
		m.AuditDrifting,
		m.RebuildEvents,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterPool exports connection pool statistics as gauges read at scrape time.
func (m *Metrics) RegisterPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, read func(postgres.PoolStats) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "stockledger",
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(postgres.GetPoolStats(pool)) })
	}
	m.registry.MustRegister(
		gauge("total_conns", "Open connections", func(s postgres.PoolStats) float64 { return float64(s.TotalConns) }),
		gauge("acquired_conns", "Connections in use", func(s postgres.PoolStats) float64 { return float64(s.AcquiredConns) }),
		gauge("idle_conns", "Idle connections", func(s postgres.PoolStats) float64 { return float64(s.IdleConns) }),
		gauge("max_conns", "Pool size limit", func(s postgres.PoolStats) float64 { return float64(s.MaxConns) }),
	)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveOperation records one ledger operation. Failures are labelled with
// their error code, so insufficient stock is told apart from storage trouble.
func (m *Metrics) ObserveOperation(op string, err error, d time.Duration) {
	m.OperationsTotal.WithLabelValues(op, outcome(err)).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveAudit records the result of the last audit.
func (m *Metrics) ObserveAudit(pairs, drifting int) {
	m.AuditPairs.Set(float64(pairs))
	m.AuditDrifting.Set(float64(drifting))
}

// ObserveRebuild records replayed source events.
func (m *Metrics) ObserveRebuild(applied, failed int) {
	m.RebuildEvents.WithLabelValues("applied").Add(float64(applied))
	m.RebuildEvents.WithLabelValues("failed").Add(float64(failed))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr.Code
	}
	return apperror.CodeInternal
}
