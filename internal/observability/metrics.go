package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics is the lazily-initialised Prometheus registry for the
// policy gateway's own request/decision/connector activity, following the
// lazy-singleton-registry shape the pack uses for its own module metrics.
type GatewayMetrics struct {
	decisions        *prometheus.CounterVec
	evaluateDuration *prometheus.HistogramVec
	connectorCalls   *prometheus.CounterVec
	connectorLatency *prometheus.HistogramVec
	approvals        *prometheus.CounterVec
	budgetDenials    *prometheus.CounterVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Gateway returns the singleton GatewayMetrics instance, registering its
// collectors with the default Prometheus registry on first call.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "policygateway",
				Subsystem: "policy",
				Name:      "decisions_total",
				Help:      "Total policy decisions segmented by outcome (ALLOW, DENY, ESCALATE).",
			}, []string{"decision"}),
			evaluateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "policygateway",
				Subsystem: "policy",
				Name:      "evaluate_duration_seconds",
				Help:      "Latency distribution for policy evaluation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"decision"}),
			connectorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "policygateway",
				Subsystem: "connector",
				Name:      "calls_total",
				Help:      "Total connector dispatches segmented by connector type and outcome.",
			}, []string{"connector_type", "outcome"}),
			connectorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "policygateway",
				Subsystem: "connector",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for connector dispatches.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"connector_type"}),
			approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "policygateway",
				Subsystem: "approval",
				Name:      "events_total",
				Help:      "Approval lifecycle events segmented by outcome (created, approved, denied, expired, consumed).",
			}, []string{"outcome"}),
			budgetDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "policygateway",
				Subsystem: "budget",
				Name:      "denials_total",
				Help:      "Count of actions denied because the daily action budget was exhausted.",
			}, []string{"org_id"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.decisions,
			gatewayRegistry.evaluateDuration,
			gatewayRegistry.connectorCalls,
			gatewayRegistry.connectorLatency,
			gatewayRegistry.approvals,
			gatewayRegistry.budgetDenials,
		)
	})
	return gatewayRegistry
}

// RecordDecision increments the decision counter and observes evaluation
// latency for that outcome.
func (m *GatewayMetrics) RecordDecision(decision string, duration time.Duration) {
	if m == nil {
		return
	}
	if decision == "" {
		decision = "unknown"
	}
	m.decisions.WithLabelValues(decision).Inc()
	m.evaluateDuration.WithLabelValues(decision).Observe(duration.Seconds())
}

// RecordConnectorCall records one connector dispatch outcome and latency.
func (m *GatewayMetrics) RecordConnectorCall(connectorType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if connectorType == "" {
		connectorType = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.connectorCalls.WithLabelValues(connectorType, outcome).Inc()
	m.connectorLatency.WithLabelValues(connectorType).Observe(duration.Seconds())
}

// RecordApprovalEvent increments the approval lifecycle counter for outcome.
func (m *GatewayMetrics) RecordApprovalEvent(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

// RecordBudgetDenial increments the per-org budget exhaustion counter.
func (m *GatewayMetrics) RecordBudgetDenial(orgID string) {
	if m == nil {
		return
	}
	if orgID == "" {
		orgID = "unknown"
	}
	m.budgetDenials.WithLabelValues(orgID).Inc()
}
