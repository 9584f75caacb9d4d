// Package metrics exposes Prometheus collectors for the guardrail pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus collectors for engine decisions.
type Metrics struct {
	decisions          *prometheus.CounterVec
	blocks             *prometheus.CounterVec
	approvals          *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
	isolationDenials   prometheus.Counter
	auditWriteFailures prometheus.Counter
	evaluationDuration *prometheus.HistogramVec
	pendingApprovals   prometheus.Gauge
}

// New registers collectors on reg. Tests pass a private registry so parallel
// engines do not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_decisions_total",
				Help: "Total evaluate calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		blocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_blocks_total",
				Help: "Blocked evaluations by cause",
			},
			[]string{"cause"},
		),
		approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_approvals_total",
				Help: "Resolved approval requests by terminal status",
			},
			[]string{"status"},
		),
		rateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_rate_limit_hits_total",
				Help: "Evaluations denied by a per-tool rate limit",
			},
			[]string{"tool"},
		),
		isolationDenials: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolgate_isolation_denials_total",
				Help: "Data accesses denied by the isolation guard",
			},
		),
		auditWriteFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolgate_audit_write_failures_total",
				Help: "Audit events that could not be persisted",
			},
		),
		evaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_evaluation_duration_seconds",
				Help:    "Latency of evaluate calls, approval wait included",
				Buckets: prometheus.ExponentialBuckets(0.0001, 10, 8),
			},
			[]string{"outcome"},
		),
		pendingApprovals: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_pending_approvals",
				Help: "Approval requests awaiting resolution",
			},
		),
	}
}

// Default returns Metrics on the global registry.
func Default() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

func (m *Metrics) Decision(tool, outcome string) {
	m.decisions.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) Block(cause string) {
	m.blocks.WithLabelValues(cause).Inc()
}

func (m *Metrics) Approval(status string) {
	m.approvals.WithLabelValues(status).Inc()
}

func (m *Metrics) RateLimitHit(tool string) {
	m.rateLimitHits.WithLabelValues(tool).Inc()
}

func (m *Metrics) IsolationDenial() {
	m.isolationDenials.Inc()
}

func (m *Metrics) AuditWriteFailure() {
	m.auditWriteFailures.Inc()
}

func (m *Metrics) ObserveEvaluation(outcome string, seconds float64) {
	m.evaluationDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) SetPendingApprovals(n int) {
	m.pendingApprovals.Set(float64(n))
}
