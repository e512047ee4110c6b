package faucet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the faucet's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	admissions       *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	attempts         prometheus.Counter
	dispatchDuration prometheus.Histogram
	ledgerErrors     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "faucet_admission_total", Help: "Admission decisions"},
			[]string{"result"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "faucet_dispatch_total", Help: "Dispatch outcomes"},
			[]string{"result"},
		),
		attempts: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "faucet_dispatch_attempts_total", Help: "Sign-and-broadcast attempts"},
		),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "faucet_dispatch_duration_seconds",
			Help:    "Dispatch latency including retries and inclusion wait",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 60},
		}),
		ledgerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "faucet_ledger_errors_total", Help: "Ledger failures by operation"},
			[]string{"op"},
		),
	}
	reg.MustRegister(m.admissions, m.dispatches, m.attempts, m.dispatchDuration, m.ledgerErrors)
	return m
}

func (m *Metrics) recordAdmission(d Decision) {
	if m == nil {
		return
	}
	result := "allowed"
	if !d.Allowed {
		result = d.Reason.String()
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) recordDispatch(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = KindOf(err).String()
	}
	m.dispatches.WithLabelValues(result).Inc()
	m.dispatchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) recordAttempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *Metrics) recordLedgerError(op string) {
	if m == nil {
		return
	}
	m.ledgerErrors.WithLabelValues(op).Inc()
}
