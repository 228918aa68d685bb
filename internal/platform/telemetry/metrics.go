// Package telemetry exposes Prometheus metrics for the HTTP surface and the
// bill ledger.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	billsCreated     prometheus.Counter
	amountBilled     prometheus.Counter
	paymentsApplied  prometheus.Counter
	amountCollected  prometheus.Counter
	paymentsReplayed prometheus.Counter
	billsCancelled   prometheus.Counter
	versionConflicts prometheus.Counter
	retriesExhausted prometheus.Counter
}

// New registers every collector, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "active_requests",
			Help: "Requests currently being served.",
		}),
		billsCreated:     counter("bills_created_total", "Bills created."),
		amountBilled:     counter("amount_billed_minor_total", "Sum of new bill totals in minor units."),
		paymentsApplied:  counter("payments_applied_total", "Payments recorded against a bill."),
		amountCollected:  counter("amount_collected_minor_total", "Sum of recorded payments in minor units."),
		paymentsReplayed: counter("payments_replayed_total", "Payment calls answered from an existing idempotency key."),
		billsCancelled:   counter("bills_cancelled_total", "Bills cancelled."),
		versionConflicts: counter("version_conflicts_total", "Conditional bill writes that lost to a concurrent writer."),
		retriesExhausted: counter("retries_exhausted_total", "Bill mutations abandoned after the retry bound."),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.duration, m.activeRequests,
		m.billsCreated, m.amountBilled, m.paymentsApplied, m.amountCollected,
		m.paymentsReplayed, m.billsCancelled, m.versionConflicts, m.retriesExhausted,
	)
	return m
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ledger", Name: name, Help: help,
	})
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware records request count and latency labelled by the route
// pattern, never the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			m.requests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) BillCreated(total int64) {
	m.billsCreated.Inc()
	m.amountBilled.Add(float64(total))
}

func (m *Metrics) PaymentApplied(amount int64) {
	m.paymentsApplied.Inc()
	m.amountCollected.Add(float64(amount))
}

func (m *Metrics) PaymentReplayed()  { m.paymentsReplayed.Inc() }
func (m *Metrics) BillCancelled()    { m.billsCancelled.Inc() }
func (m *Metrics) VersionConflict()  { m.versionConflicts.Inc() }
func (m *Metrics) RetriesExhausted() { m.retriesExhausted.Inc() }
