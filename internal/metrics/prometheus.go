// Package metrics provides Prometheus metrics for the chaincode.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transaction outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	rejectionsTotal     *prometheus.CounterVec
	handler             http.Handler
}

// New creates the collectors and registers them on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartrent_transactions_total",
				Help: "Total number of platform operations by outcome",
			},
			[]string{"op", "outcome"},
		),
		transactionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartrent_transaction_duration_seconds",
				Help:    "Platform operation duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"op"},
		),
		rejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartrent_rejections_total",
				Help: "Total number of operations rejected, by error kind",
			},
			[]string{"kind"},
		),
		handler: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

// NewDefault registers on the process-wide default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// RecordTransaction records one platform operation. kind is the error
// kind of a rejection and empty otherwise.
func (m *Metrics) RecordTransaction(op, outcome, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(op, outcome).Inc()
	m.transactionDuration.WithLabelValues(op).Observe(duration.Seconds())
	if outcome == OutcomeRejected {
		m.rejectionsTotal.WithLabelValues(kind).Inc()
	}
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}
