package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_requests_total",
			Help: "Total number of answer requests processed",
		},
		[]string{"tenant_id", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgateway_request_duration_seconds",
			Help:    "Answer request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tenant_id", "model"},
	)

	RunRounds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgateway_run_rounds",
			Help:    "LLM rounds per orchestration run",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
		[]string{"model"},
	)

	LoopCeilingHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_loop_ceiling_hits_total",
			Help: "Runs stopped by the consecutive tool round ceiling",
		},
		[]string{"model"},
	)

	VerificationPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_verification_passes_total",
			Help: "Extra LLM calls made to verify figures against tool output",
		},
		[]string{"model"},
	)

	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_tool_invocations_total",
			Help: "Tool invocations by outcome (has_data, empty, error, blocked, unknown)",
		},
		[]string{"tool", "outcome"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgateway_tool_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"transport"},
	)

	ToolListDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgateway_tool_list_duration_seconds",
			Help:    "Tool server catalog listing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"transport"},
	)

	ToolServerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_tool_server_errors_total",
			Help: "Tool server discovery and call failures",
		},
		[]string{"server", "operation"},
	)

	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_llm_calls_total",
			Help: "LLM provider calls",
		},
		[]string{"provider", "model", "status"},
	)

	LLMFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_llm_fallbacks_total",
			Help: "LLM calls retried with adjusted parameters",
		},
		[]string{"provider", "kind"},
	)

	AdmissionDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_admission_denied_total",
			Help: "Requests rejected before any provider spend",
		},
		[]string{"tenant_id", "reason"},
	)

	SettlementLosses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_settlement_losses_total",
			Help: "Runs whose provider spend could not be charged",
		},
		[]string{"tenant_id"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_tokens_total",
			Help: "Total number of billed tokens",
		},
		[]string{"tenant_id", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_cost_total",
			Help: "Total settled cost",
		},
		[]string{"tenant_id", "model"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentgateway_circuit_breaker_state",
			Help: "Tool server circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"server"},
	)

	CatalogCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgateway_catalog_cache_total",
			Help: "Tool catalog cache lookups by result",
		},
		[]string{"result"},
	)
)

func RecordRequest(tenantID, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(tenantID, model, status).Inc()
	RequestDuration.WithLabelValues(tenantID, model).Observe(durationSec)
}

func RecordRun(model string, rounds int, ceilingHit, verified bool) {
	RunRounds.WithLabelValues(model).Observe(float64(rounds))
	if ceilingHit {
		LoopCeilingHits.WithLabelValues(model).Inc()
	}
	if verified {
		VerificationPasses.WithLabelValues(model).Inc()
	}
}

func RecordToolInvocation(tool, outcome string) {
	ToolInvocations.WithLabelValues(tool, outcome).Inc()
}

func ObserveToolDuration(transport string, seconds float64) {
	ToolDuration.WithLabelValues(transport).Observe(seconds)
}

func ObserveToolListDuration(transport string, seconds float64) {
	ToolListDuration.WithLabelValues(transport).Observe(seconds)
}

func RecordToolServerError(server, operation string) {
	ToolServerErrors.WithLabelValues(server, operation).Inc()
}

func RecordLLMCall(provider, model, status string) {
	LLMCalls.WithLabelValues(provider, model, status).Inc()
}

func RecordLLMFallback(provider, kind string) {
	LLMFallbacks.WithLabelValues(provider, kind).Inc()
}

func RecordAdmissionDenied(tenantID, reason string) {
	AdmissionDenied.WithLabelValues(tenantID, reason).Inc()
}

func RecordSettlementLoss(tenantID string) {
	SettlementLosses.WithLabelValues(tenantID).Inc()
}

func RecordTokens(tenantID, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(tenantID, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(tenantID, model, "output").Add(float64(outputTokens))
}

func RecordCost(tenantID, model string, cost float64) {
	CostTotal.WithLabelValues(tenantID, model).Add(cost)
}

func SetCircuitBreakerState(server string, state int) {
	CircuitBreakerState.WithLabelValues(server).Set(float64(state))
}

func RecordCatalogCache(hit bool) {
	if hit {
		CatalogCacheHits.WithLabelValues("hit").Inc()
		return
	}
	CatalogCacheHits.WithLabelValues("miss").Inc()
}
