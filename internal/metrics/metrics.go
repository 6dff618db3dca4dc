// Package metrics holds the Prometheus collectors shared by the admission
// controller, the execution loop and the monitor.
//
// Every recording method is safe to call on a nil *Metrics, so components
// can be constructed without instrumentation in tests and one-shot CLI
// commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for a fleet process.
type Metrics struct {
	registry *prometheus.Registry

	// Admission metrics.
	AdmissionDecisionsTotal *prometheus.CounterVec
	BreakerOpensTotal       *prometheus.CounterVec
	BreakerOpen             *prometheus.GaugeVec
	GlobalSpendUSD          prometheus.Gauge
	GlobalSpendRatio        prometheus.Gauge

	// Usage metrics.
	TokensTotal *prometheus.CounterVec
	CostTotal   *prometheus.CounterVec

	// Execution loop metrics.
	RunsTotal           *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	GatewayRetriesTotal *prometheus.CounterVec
	ToolCallsTotal      *prometheus.CounterVec
	DegradationsTotal   *prometheus.CounterVec

	// Health metrics.
	HeartbeatAgeSeconds *prometheus.GaugeVec
	AgentHealthy        *prometheus.GaugeVec

	// Process lifecycle.
	StartTime prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		AdmissionDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_admission_decisions_total",
			Help: "Admission decisions by agent and outcome.",
		}, []string{"agent", "decision"}),

		BreakerOpensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_breaker_opens_total",
			Help: "Number of times an agent's circuit breaker opened.",
		}, []string{"agent"}),

		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_breaker_open",
			Help: "1 when the agent's circuit breaker is open.",
		}, []string{"agent"}),

		GlobalSpendUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_global_spend_usd",
			Help: "System-wide spend for the current month in USD.",
		}),

		GlobalSpendRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_global_spend_ratio",
			Help: "System-wide spend as a fraction of the monthly cap.",
		}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_tokens_total",
			Help: "Tokens consumed by agent and direction.",
		}, []string{"agent", "direction"}),

		CostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_cost_usd_total",
			Help: "Cost accrued by agent and model in USD.",
		}, []string{"agent", "model"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_runs_total",
			Help: "Execution loop runs by agent and outcome.",
		}, []string{"agent", "outcome"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_run_duration_seconds",
			Help:    "Execution loop run duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"agent"}),

		GatewayCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_gateway_calls_total",
			Help: "Model gateway calls by agent and status.",
		}, []string{"agent", "status"}),

		GatewayCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_gateway_call_duration_seconds",
			Help:    "Model gateway call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),

		GatewayRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_gateway_retries_total",
			Help: "Transient gateway errors that were retried.",
		}, []string{"agent"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_tool_calls_total",
			Help: "Tool executions by tool name and status.",
		}, []string{"tool", "status"}),

		DegradationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_degradations_total",
			Help: "Collaborator failures absorbed by the execution loop.",
		}, []string{"agent", "collaborator"}),

		HeartbeatAgeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_heartbeat_age_seconds",
			Help: "Seconds since the agent last wrote a heartbeat.",
		}, []string{"agent"}),

		AgentHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_agent_healthy",
			Help: "1 when the agent's heartbeat is fresh.",
		}, []string{"agent"}),

		StartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_start_time_seconds",
			Help: "Unix timestamp when the process started.",
		}),
	}

	reg.MustRegister(
		m.AdmissionDecisionsTotal,
		m.BreakerOpensTotal,
		m.BreakerOpen,
		m.GlobalSpendUSD,
		m.GlobalSpendRatio,
		m.TokensTotal,
		m.CostTotal,
		m.RunsTotal,
		m.RunDuration,
		m.GatewayCallsTotal,
		m.GatewayCallDuration,
		m.GatewayRetriesTotal,
		m.ToolCallsTotal,
		m.DegradationsTotal,
		m.HeartbeatAgeSeconds,
		m.AgentHealthy,
		m.StartTime,
	)

	m.StartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision counts an admission decision. decision is "allowed" or
// the rejection reason.
func (m *Metrics) ObserveDecision(agentID, decision string) {
	if m == nil {
		return
	}
	m.AdmissionDecisionsTotal.WithLabelValues(agentID, decision).Inc()
}

// SetGlobalSpend records the current month's spend and its ratio to cap.
func (m *Metrics) SetGlobalSpend(spend, ratio float64) {
	if m == nil {
		return
	}
	m.GlobalSpendUSD.Set(spend)
	m.GlobalSpendRatio.Set(ratio)
}

// ObserveUsage records tokens and cost for one usage report.
func (m *Metrics) ObserveUsage(agentID, model string, tokensIn, tokensOut int64, cost float64) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues(agentID, "input").Add(float64(tokensIn))
	m.TokensTotal.WithLabelValues(agentID, "output").Add(float64(tokensOut))
	m.CostTotal.WithLabelValues(agentID, model).Add(cost)
}

// ObserveBreaker records the breaker state and counts open transitions.
func (m *Metrics) ObserveBreaker(agentID string, open, opened bool) {
	if m == nil {
		return
	}
	if opened {
		m.BreakerOpensTotal.WithLabelValues(agentID).Inc()
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(agentID).Set(v)
}

// ObserveRun records a finished execution loop run.
func (m *Metrics) ObserveRun(agentID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(agentID, outcome).Inc()
	m.RunDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// ObserveGatewayCall records one model gateway call attempt.
func (m *Metrics) ObserveGatewayCall(agentID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(agentID, status).Inc()
	m.GatewayCallDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// IncGatewayRetry counts a retried transient gateway error.
func (m *Metrics) IncGatewayRetry(agentID string) {
	if m == nil {
		return
	}
	m.GatewayRetriesTotal.WithLabelValues(agentID).Inc()
}

// ObserveToolCall counts a tool execution.
func (m *Metrics) ObserveToolCall(tool string, isError bool) {
	if m == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// IncDegradation counts a collaborator failure the loop continued past.
func (m *Metrics) IncDegradation(agentID, collaborator string) {
	if m == nil {
		return
	}
	m.DegradationsTotal.WithLabelValues(agentID, collaborator).Inc()
}

// SetHeartbeat records heartbeat age and health for an agent.
func (m *Metrics) SetHeartbeat(agentID string, age time.Duration, healthy bool) {
	if m == nil {
		return
	}
	m.HeartbeatAgeSeconds.WithLabelValues(agentID).Set(age.Seconds())
	v := 0.0
	if healthy {
		v = 1
	}
	m.AgentHealthy.WithLabelValues(agentID).Set(v)
}
