// Package fepmetrics exposes fepd's Prometheus metrics.
package fepmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "fep"
	subsystem = "terminator"
)

// Label names.
const (
	labelRoute        = "route"
	labelResponseCode = "response_code"
)

// -------------------------------------------------------------------------
// Collector — Prometheus FEP Terminator Metrics
// -------------------------------------------------------------------------

// Collector holds fepd's terminator-facing Prometheus metrics.
//
//   - Connections tracks currently open acquirer connections.
//   - TransactionsTotal and TransactionDuration are labeled by route and
//     response code for per-acquirer, per-outcome alerting.
type Collector struct {
	// Connections tracks the number of currently open acquirer connections.
	Connections prometheus.Gauge

	// TransactionsTotal counts completed transactions per route and
	// response code.
	TransactionsTotal *prometheus.CounterVec

	// TransactionDuration observes pipeline latency per route.
	TransactionDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with all terminator metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.TransactionsTotal,
		c.TransactionDuration,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently open acquirer connections.",
		}),

		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transactions_total",
			Help:      "Total transactions handled, labeled by route and response code.",
		}, []string{labelRoute, labelResponseCode}),

		TransactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transaction_duration_seconds",
			Help:      "Pipeline processing latency per route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelRoute}),
	}
}

// -------------------------------------------------------------------------
// terminator.MetricsRecorder
// -------------------------------------------------------------------------

// ConnectionOpened increments the open connections gauge. Implements
// terminator.MetricsRecorder.
func (c *Collector) ConnectionOpened() { c.Connections.Inc() }

// ConnectionClosed decrements the open connections gauge. Implements
// terminator.MetricsRecorder.
func (c *Collector) ConnectionClosed() { c.Connections.Dec() }

// TransactionHandled records one completed transaction's route, response
// code, and elapsed processing time. Implements terminator.MetricsRecorder.
func (c *Collector) TransactionHandled(route, responseCode string, elapsed time.Duration) {
	if route == "" {
		route = "unrouted"
	}
	c.TransactionsTotal.WithLabelValues(route, responseCode).Inc()
	c.TransactionDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
