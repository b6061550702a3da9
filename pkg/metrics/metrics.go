package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CommandsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_commands_submitted_total",
			Help: "Total number of submitted commands by outcome (count)",
		},
		[]string{"outcome"},
	)

	CommandExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_command_executions_total",
			Help: "Total number of command execution attempts (count)",
		},
		[]string{"status"},
	)

	VotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_votes_total",
			Help: "Total number of approval votes cast (count)",
		},
		[]string{"decision", "outcome"},
	)

	DecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cmdgate_decision_duration_ms",
			Help:    "Submission decision pipeline duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"outcome"},
	)

	RuleMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_rule_matches_total",
			Help: "Total number of rule match results (count)",
		},
		[]string{"action"},
	)

	ActiveRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmdgate_active_rules",
			Help: "Number of policy rules currently stored (count)",
		},
	)

	PendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmdgate_pending_approvals",
			Help: "Number of commands currently awaiting approval (count)",
		},
	)

	EscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cmdgate_escalations_total",
			Help: "Total number of commands flagged by the escalation query (count)",
		},
	)

	RuleCacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_rule_cache_requests_total",
			Help: "Rule cache lookups by result (count)",
		},
		[]string{"result"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_notifications_total",
			Help: "Notification publish attempts by status (count)",
		},
		[]string{"event_type", "status"},
	)

	AuditWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cmdgate_audit_write_failures_total",
			Help: "Audit events that could not be persisted (count)",
		},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_rate_limit_requests_total",
			Help: "Requests seen by the rate limiter (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmdgate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_circuit_breaker_failures_total",
			Help: "Total number of failed requests through circuit breaker (count)",
		},
		[]string{"name"},
	)
)

func ObserveDecisionDuration(d time.Duration, outcome string) {
	DecisionDuration.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}

func RegisterPipelineMetrics() {
	prometheus.MustRegister(
		CommandsSubmittedTotal,
		CommandExecutionsTotal,
		VotesTotal,
		DecisionDuration,
		RuleMatchesTotal,
		ActiveRules,
		PendingApprovals,
		EscalationsTotal,
		RuleCacheRequestsTotal,
		NotificationsTotal,
		AuditWriteFailuresTotal,
		RateLimitRequestsTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
	)
}
