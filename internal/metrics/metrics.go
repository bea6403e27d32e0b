package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "settle"

// Metrics holds the collectors for reconciliation and quoting.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	PollTicksTotal          *prometheus.CounterVec
	TransfersFinalizedTotal *prometheus.CounterVec
	SubmissionsTotal        *prometheus.CounterVec
	QuoteRequestsTotal      *prometheus.CounterVec
	ActiveTransfers         prometheus.Gauge
	ReconcileDuration       prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PollTicksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_ticks_total",
				Help:      "Status polls by result (pending, successful, failed, error).",
			},
			[]string{"result"},
		),
		TransfersFinalizedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_finalized_total",
				Help:      "Transfers that reached a terminal status.",
			},
			[]string{"status", "degraded"},
		),
		SubmissionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Funding submissions by result (acknowledged, fallback).",
			},
			[]string{"result"},
		),
		QuoteRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quote_requests_total",
				Help:      "Quote cache requests by outcome (hit, refresh, stale, error).",
			},
			[]string{"outcome"},
		),
		ActiveTransfers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transfers",
				Help:      "Transfers currently being reconciled.",
			},
		),
		ReconcileDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Time from submission to terminal status.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s .. 512s
			},
		),
	}
}

// PollTick counts one poll.
func (m *Metrics) PollTick(result string) {
	if m == nil {
		return
	}
	m.PollTicksTotal.WithLabelValues(result).Inc()
}

// TransferFinalized counts a terminal transfer.
func (m *Metrics) TransferFinalized(status string, degraded bool) {
	if m == nil {
		return
	}
	m.TransfersFinalizedTotal.WithLabelValues(status, strconv.FormatBool(degraded)).Inc()
}

// Submission counts a funding submission.
func (m *Metrics) Submission(acknowledged bool) {
	if m == nil {
		return
	}
	result := "acknowledged"
	if !acknowledged {
		result = "fallback"
	}
	m.SubmissionsTotal.WithLabelValues(result).Inc()
}

// QuoteRequest counts a quote cache request.
func (m *Metrics) QuoteRequest(outcome string) {
	if m == nil {
		return
	}
	m.QuoteRequestsTotal.WithLabelValues(outcome).Inc()
}

// TransferStarted increments the active transfer gauge.
func (m *Metrics) TransferStarted() {
	if m == nil {
		return
	}
	m.ActiveTransfers.Inc()
}

// TransferEnded decrements the active transfer gauge and observes how long it ran.
func (m *Metrics) TransferEnded(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTransfers.Dec()
	m.ReconcileDuration.Observe(elapsed.Seconds())
}
