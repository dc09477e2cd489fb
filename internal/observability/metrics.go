package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlitecult/sqlitecult/internal/conn"
)

// Label names.
const (
	MethodLabel  = "method"
	RouteLabel   = "route"
	StatusLabel  = "status"
	FormatLabel  = "format"
	OutcomeLabel = "outcome"
	SurfaceLabel = "surface"
)

// Metrics holds the collectors of one server on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	grpcRequests *prometheus.CounterVec
	rowsImported *prometheus.CounterVec
	rowsExported *prometheus.CounterVec
	statements   *prometheus.CounterVec
	stmtDuration prometheus.Histogram
}

// NewMetrics creates and registers every collector.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlitecult_http_requests_total",
				Help: "HTTP requests by method, route pattern and status code.",
			},
			[]string{MethodLabel, RouteLabel, StatusLabel},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlitecult_http_request_duration_seconds",
				Help:    "HTTP request latency by method and route pattern.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{MethodLabel, RouteLabel},
		),
		grpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlitecult_grpc_requests_total",
				Help: "gRPC calls by method and status code.",
			},
			[]string{MethodLabel, StatusLabel},
		),
		rowsImported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlitecult_rows_imported_total",
				Help: "Rows committed by imports, by file format.",
			},
			[]string{FormatLabel, SurfaceLabel},
		),
		rowsExported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlitecult_rows_exported_total",
				Help: "Rows written by exports, by file format.",
			},
			[]string{FormatLabel, SurfaceLabel},
		),
		statements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlitecult_statements_total",
				Help: "Modifying statements by outcome (ok, constraint, locked, malformed, failed).",
			},
			[]string{OutcomeLabel},
		),
		stmtDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sqlitecult_statement_duration_seconds",
				Help:    "Latency of modifying statements.",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.httpRequests, m.httpDuration, m.grpcRequests,
		m.rowsImported, m.rowsExported, m.statements, m.stmtDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.reg.Register(c); err != nil {
			return nil, fmt.Errorf("observability: register collector: %w", err)
		}
	}
	return m, nil
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveGRPC records one gRPC call.
func (m *Metrics) ObserveGRPC(method, code string) {
	m.grpcRequests.WithLabelValues(method, code).Inc()
}

// AddImported counts committed import rows.
func (m *Metrics) AddImported(format, surface string, rows int64) {
	m.rowsImported.WithLabelValues(format, surface).Add(float64(rows))
}

// AddExported counts exported rows.
func (m *Metrics) AddExported(format, surface string, rows int64) {
	m.rowsExported.WithLabelValues(format, surface).Add(float64(rows))
}

// ObserveStatement records a modifying statement. It matches
// conn.StatementObserver.
func (m *Metrics) ObserveStatement(elapsed time.Duration, err error) {
	m.statements.WithLabelValues(conn.Outcome(err)).Inc()
	m.stmtDuration.Observe(elapsed.Seconds())
}
