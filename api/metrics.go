package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solarshare/rateio-engine/rateio"
)

const metricPrefix = "rateio_"

// Metrics holds the server's prometheus collectors. Each Handler owns its
// registry so tests can build many handlers in one process.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	auditsRecorded      *prometheus.CounterVec
	inconsistentEntries prometheus.Counter
	settlementsClosed   *prometheus.CounterVec
	parseRejections     *prometheus.CounterVec
	reportOrphans       prometheus.Gauge

	divergentAudits prometheus.Gauge
	pendingClosings prometheus.Gauge
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		auditsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "audit_records_saved_total",
				Help: "Audit records created or updated, by reconciliation status",
			},
			[]string{"status"},
		),
		inconsistentEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "inconsistent_ledger_entries_total",
				Help: "Ledger entries saved with an arithmetic inconsistency",
			},
		),
		settlementsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlements_total",
				Help: "Settlement records written, by operation",
			},
			[]string{"operation"},
		),
		parseRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "parse_rejections_total",
				Help: "Request payloads rejected at the boundary, by endpoint",
			},
			[]string{"endpoint"},
		),
		reportOrphans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "report_orphan_settlements",
				Help: "Settlement rows dropped from the last report because their contract is gone",
			},
		),
		divergentAudits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "divergent_audits",
				Help: "Contracts whose last closed month's audit is DIVERGENT",
			},
		),
		pendingClosings: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "pending_closings",
				Help: "Active contracts with no settlement for the previous month",
			},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpLatency,
		m.auditsRecorded,
		m.inconsistentEntries,
		m.settlementsClosed,
		m.parseRejections,
		m.reportOrphans,
		m.divergentAudits,
		m.pendingClosings,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.httpLatency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) observeAudit(res rateio.AuditResult) {
	m.auditsRecorded.WithLabelValues(string(res.Record.Status)).Inc()
	m.inconsistentEntries.Add(float64(rateio.CountInconsistent(res.EntryChecks)))
}
