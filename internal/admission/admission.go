// Package admission decides whether an agent may spend now and records the
// outcome of each attempt.
//
// The controller composes the usage ledger and the circuit breaker
// registry. It holds no usage state of its own: every decision re-reads the
// current month from the ledger and recomputes global spend from the
// per-agent totals.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/breaker"
	"github.com/ShayCichocki/fleet/internal/clock"
	"github.com/ShayCichocki/fleet/internal/ledger"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/internal/pricing"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// ErrUnknownAgent is returned for an agent id missing from the roster.
var ErrUnknownAgent = errors.New("unknown agent")

// Reason explains why an agent was not admitted.
type Reason string

const (
	// ReasonNone is the reason of an allowed decision.
	ReasonNone Reason = ""
	// ReasonCircuitOpen means the agent's breaker is open.
	ReasonCircuitOpen Reason = "circuit_open"
	// ReasonGlobalBudgetPaused means global spend reached the tier threshold.
	ReasonGlobalBudgetPaused Reason = "global_budget_paused"
	// ReasonAgentBudgetExceeded means the agent went over its own ceiling.
	ReasonAgentBudgetExceeded Reason = "agent_budget_exceeded"
)

// String returns the reason, or "allowed" for ReasonNone.
func (r Reason) String() string {
	if r == ReasonNone {
		return "allowed"
	}
	return string(r)
}

// Decision is the answer to CheckBudget.
type Decision struct {
	Allowed bool
	Reason  Reason
	// GlobalSpend is the month's system-wide spend in USD at decision time.
	GlobalSpend float64
	// SpendRatio is GlobalSpend over the monthly cap (0 when uncapped).
	SpendRatio float64
}

// Config configures a Controller.
type Config struct {
	// MonthlyCapUSD is the shared monthly spending cap. Zero or negative
	// disables global budget pausing.
	MonthlyCapUSD float64
	Agents        []*models.Agent
	Ledger        ledger.Ledger
	Breaker       *breaker.Registry
	Pricing       *pricing.Calculator
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Controller is the admission controller.
type Controller struct {
	cap     float64
	agents  map[string]*models.Agent
	ledger  ledger.Ledger
	breaker *breaker.Registry
	pricing *pricing.Calculator
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("admission: ledger is required")
	}
	if cfg.Breaker == nil {
		return nil, errors.New("admission: breaker registry is required")
	}

	agents := make(map[string]*models.Agent, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if _, dup := agents[a.ID]; dup {
			return nil, fmt.Errorf("admission: duplicate agent %q", a.ID)
		}
		agents[a.ID] = a
	}

	c := &Controller{
		cap:     cfg.MonthlyCapUSD,
		agents:  agents,
		ledger:  cfg.Ledger,
		breaker: cfg.Breaker,
		pricing: cfg.Pricing,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if c.pricing == nil {
		c.pricing = pricing.NewCalculator(nil)
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("admission")
	return c, nil
}

// Agent returns the roster entry for agentID.
func (c *Controller) Agent(agentID string) (*models.Agent, error) {
	a, ok := c.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return a, nil
}

// CheckBudget decides whether agentID may make a model call now. It does
// not modify any state.
//
// The checks run in order: open breaker, global spend against the agent's
// tier threshold, then the agent's own ceiling.
func (c *Controller) CheckBudget(ctx context.Context, agentID string) (Decision, error) {
	agent, err := c.Agent(agentID)
	if err != nil {
		return Decision{}, err
	}

	open, err := c.breaker.IsOpen(ctx, agentID)
	if err != nil {
		return Decision{}, fmt.Errorf("checking breaker: %w", err)
	}
	if open {
		return c.reject(agent, Decision{Reason: ReasonCircuitOpen}), nil
	}

	month, err := c.ledger.Read(ctx, ledger.MonthKey(c.clock.Now()))
	if err != nil {
		return Decision{}, fmt.Errorf("reading ledger: %w", err)
	}

	d := Decision{GlobalSpend: month.GlobalSpend()}
	if c.cap > 0 {
		d.SpendRatio = d.GlobalSpend / c.cap
	}
	c.metrics.SetGlobalSpend(d.GlobalSpend, d.SpendRatio)

	if c.cap > 0 && d.SpendRatio >= agent.Tier.PauseThreshold() {
		d.Reason = ReasonGlobalBudgetPaused
		return c.reject(agent, d), nil
	}

	if agent.TokenBudget > 0 && month.Agent(agentID).MonthlyTokens > agent.TokenBudget {
		d.Reason = ReasonAgentBudgetExceeded
		return c.reject(agent, d), nil
	}

	d.Allowed = true
	c.metrics.ObserveDecision(agentID, d.Reason.String())
	return d, nil
}

func (c *Controller) reject(agent *models.Agent, d Decision) Decision {
	d.Allowed = false
	c.metrics.ObserveDecision(agent.ID, d.Reason.String())
	c.logger.Info("admission rejected",
		zap.String("agent", agent.ID),
		zap.String("tier", agent.Tier.String()),
		zap.String("reason", string(d.Reason)),
		zap.Float64("global_spend", d.GlobalSpend),
		zap.Float64("spend_ratio", d.SpendRatio))
	return d
}

// Usage is the token consumption of one run or call.
type Usage struct {
	TokensIn  int64
	TokensOut int64
	Model     string
}

// RecordUsage prices u with the model rate table and adds it to the
// agent's daily and monthly totals. The ledger write is durable when it
// returns. It returns the cost charged.
func (c *Controller) RecordUsage(ctx context.Context, agentID string, u Usage) (float64, error) {
	if _, err := c.Agent(agentID); err != nil {
		return 0, err
	}
	if u.TokensIn < 0 || u.TokensOut < 0 {
		return 0, fmt.Errorf("recording usage for %s: negative token count", agentID)
	}

	cost, known := c.pricing.Cost(u.Model, u.TokensIn, u.TokensOut)
	if !known {
		c.logger.Warn("no pricing for model, using fallback rate",
			zap.String("agent", agentID),
			zap.String("model", u.Model))
	}

	_, err := c.ledger.ApplyDelta(ctx, ledger.Delta{
		AgentID:   agentID,
		At:        c.clock.Now(),
		TokensIn:  u.TokensIn,
		TokensOut: u.TokensOut,
		Cost:      cost,
	})
	if err != nil {
		return 0, fmt.Errorf("recording usage for %s: %w", agentID, err)
	}

	c.metrics.ObserveUsage(agentID, u.Model, u.TokensIn, u.TokensOut, cost)
	return cost, nil
}

// MonthlyUsage returns agentID's consumption in the current month.
func (c *Controller) MonthlyUsage(ctx context.Context, agentID string) (ledger.AgentUsage, error) {
	if _, err := c.Agent(agentID); err != nil {
		return ledger.AgentUsage{}, err
	}
	month, err := c.ledger.Read(ctx, ledger.MonthKey(c.clock.Now()))
	if err != nil {
		return ledger.AgentUsage{}, fmt.Errorf("reading ledger: %w", err)
	}
	return month.Agent(agentID), nil
}

// RecordOutcome feeds the result of an attempt into the agent's breaker.
// A failure may open it; a success clears its failure window. It reports
// whether this call opened the breaker.
func (c *Controller) RecordOutcome(ctx context.Context, agentID string, success bool) (bool, error) {
	if _, err := c.Agent(agentID); err != nil {
		return false, err
	}

	if success {
		if err := c.breaker.RecordSuccess(ctx, agentID); err != nil {
			return false, fmt.Errorf("recording success for %s: %w", agentID, err)
		}
		c.metrics.ObserveBreaker(agentID, false, false)
		return false, nil
	}

	opened, err := c.breaker.RecordFailure(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("recording failure for %s: %w", agentID, err)
	}
	open := opened
	if !opened {
		if open, err = c.breaker.IsOpen(ctx, agentID); err != nil {
			return false, fmt.Errorf("checking breaker: %w", err)
		}
	}
	c.metrics.ObserveBreaker(agentID, open, opened)
	return opened, nil
}

// ResetBreaker closes agentID's breaker and clears its failure window.
func (c *Controller) ResetBreaker(ctx context.Context, agentID string) error {
	if _, err := c.Agent(agentID); err != nil {
		return err
	}
	if err := c.breaker.Reset(ctx, agentID); err != nil {
		return fmt.Errorf("resetting breaker for %s: %w", agentID, err)
	}
	c.metrics.ObserveBreaker(agentID, false, false)
	return nil
}

// AgentStatus is one row of a Snapshot.
type AgentStatus struct {
	ID             string      `json:"id"`
	Tier           models.Tier `json:"tier"`
	PauseThreshold float64     `json:"pauseThreshold"`
	MonthlyTokens  int64       `json:"monthlyTokens"`
	MonthlyCost    float64     `json:"monthlyCost"`
	TokenBudget    int64       `json:"tokenBudget"`
	BreakerOpen    bool        `json:"breakerOpen"`
	Failures       int         `json:"failures"`
	OpenedAt       *time.Time  `json:"openedAt,omitempty"`
	Allowed        bool        `json:"allowed"`
	Reason         Reason      `json:"reason,omitempty"`
}

// Snapshot is a point-in-time view of the fleet's admission state.
type Snapshot struct {
	Month         string        `json:"month"`
	TakenAt       time.Time     `json:"takenAt"`
	MonthlyCapUSD float64       `json:"monthlyCapUsd"`
	GlobalSpend   float64       `json:"globalSpend"`
	SpendRatio    float64       `json:"spendRatio"`
	Agents        []AgentStatus `json:"agents"`
}

// Snapshot reads the ledger and breaker state once and evaluates every
// rostered agent against it. Agents are sorted by tier, then id.
func (c *Controller) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := c.clock.Now()
	month, err := c.ledger.Read(ctx, ledger.MonthKey(now))
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	states, err := c.breaker.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading breaker state: %w", err)
	}

	snap := &Snapshot{
		Month:         month.Month,
		TakenAt:       now,
		MonthlyCapUSD: c.cap,
		GlobalSpend:   month.GlobalSpend(),
	}
	if c.cap > 0 {
		snap.SpendRatio = snap.GlobalSpend / c.cap
	}

	for _, agent := range c.agents {
		usage := month.Agent(agent.ID)
		st := states[agent.ID]
		row := AgentStatus{
			ID:             agent.ID,
			Tier:           agent.Tier,
			PauseThreshold: agent.Tier.PauseThreshold(),
			MonthlyTokens:  usage.MonthlyTokens,
			MonthlyCost:    usage.MonthlyCost,
			TokenBudget:    agent.TokenBudget,
			Failures:       len(st.Failures),
			OpenedAt:       st.OpenedAt,
		}
		row.BreakerOpen, err = c.breaker.IsOpen(ctx, agent.ID)
		if err != nil {
			return nil, fmt.Errorf("checking breaker: %w", err)
		}

		switch {
		case row.BreakerOpen:
			row.Reason = ReasonCircuitOpen
		case c.cap > 0 && snap.SpendRatio >= row.PauseThreshold:
			row.Reason = ReasonGlobalBudgetPaused
		case agent.TokenBudget > 0 && usage.MonthlyTokens > agent.TokenBudget:
			row.Reason = ReasonAgentBudgetExceeded
		default:
			row.Allowed = true
		}
		snap.Agents = append(snap.Agents, row)
	}

	sort.Slice(snap.Agents, func(i, j int) bool {
		if snap.Agents[i].Tier != snap.Agents[j].Tier {
			return snap.Agents[i].Tier < snap.Agents[j].Tier
		}
		return snap.Agents[i].ID < snap.Agents[j].ID
	})
	return snap, nil
}
