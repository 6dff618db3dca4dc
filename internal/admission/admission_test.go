package admission

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/fleet/internal/breaker"
	"github.com/ShayCichocki/fleet/internal/clock"
	"github.com/ShayCichocki/fleet/internal/ledger"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/pkg/models"
)

var epoch = time.Date(2026, 7, 15, 9, 0, 0, 0, time.UTC)

type harness struct {
	ctrl   *Controller
	ledger *ledger.FileLedger
	clock  *clock.FakeClock
}

func newHarness(t *testing.T, monthlyCap float64, agents ...*models.Agent) *harness {
	t.Helper()
	dir := t.TempDir()
	clk := clock.Fake(epoch)
	l := ledger.NewFileLedger(dir, nil)
	b := breaker.NewRegistry(filepath.Join(dir, "breaker.json"), breaker.Config{}, clk, nil)

	ctrl, err := New(Config{
		MonthlyCapUSD: monthlyCap,
		Agents:        agents,
		Ledger:        l,
		Breaker:       b,
		Clock:         clk,
		Metrics:       metrics.New(),
	})
	require.NoError(t, err)
	return &harness{ctrl: ctrl, ledger: l, clock: clk}
}

// spend writes cost directly to the ledger for agentID.
func (h *harness) spend(t *testing.T, agentID string, cost float64) {
	t.Helper()
	_, err := h.ledger.ApplyDelta(context.Background(), ledger.Delta{AgentID: agentID, At: h.clock.Now(), Cost: cost})
	require.NoError(t, err)
}

func agent(id string, tier models.Tier) *models.Agent {
	return &models.Agent{ID: id, Tier: tier, Model: "claude-sonnet-4"}
}

func TestNew_RejectsDuplicateAgents(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Config{
		Agents:  []*models.Agent{agent("a", 1), agent("a", 2)},
		Ledger:  ledger.NewFileLedger(dir, nil),
		Breaker: breaker.NewRegistry(filepath.Join(dir, "b.json"), breaker.Config{}, nil, nil),
	})
	assert.Error(t, err)
}

func TestCheckBudget_UnknownAgent(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.ctrl.CheckBudget(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestCheckBudget_TierThresholds(t *testing.T) {
	tests := []struct {
		name    string
		spent   float64
		tier    models.Tier
		allowed bool
	}{
		{"tier3 below 60%", 59.99, models.TierBackground, true},
		{"tier3 at 60%", 60, models.TierBackground, false},
		{"tier2 at 60%", 60, models.TierStandard, true},
		{"tier2 below 80%", 79.99, models.TierStandard, true},
		{"tier2 at 80%", 80, models.TierStandard, false},
		{"tier1 at 80%", 80, models.TierCritical, true},
		{"tier1 at 99%", 99, models.TierCritical, true},
		{"tier1 at 100%", 100, models.TierCritical, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100, agent("x", tt.tier), agent("other", models.TierCritical))
			h.spend(t, "other", tt.spent)

			d, err := h.ctrl.CheckBudget(context.Background(), "x")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.Equal(t, ReasonGlobalBudgetPaused, d.Reason)
			}
			assert.InDelta(t, tt.spent, d.GlobalSpend, 1e-9)
		})
	}
}

func TestCheckBudget_GlobalSpendSumsAgents(t *testing.T) {
	h := newHarness(t, 100, agent("a", models.TierBackground), agent("b", models.TierBackground))
	h.spend(t, "a", 30)
	h.spend(t, "b", 29)

	d, err := h.ctrl.CheckBudget(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	h.spend(t, "b", 1)
	d, err = h.ctrl.CheckBudget(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "decision re-reads the ledger")
	assert.InDelta(t, 0.6, d.SpendRatio, 1e-9)
}

func TestCheckBudget_UncappedNeverPauses(t *testing.T) {
	h := newHarness(t, 0, agent("a", models.TierBackground))
	h.spend(t, "a", 1e6)

	d, err := h.ctrl.CheckBudget(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckBudget_AgentCeiling(t *testing.T) {
	a := agent("a", models.TierCritical)
	a.TokenBudget = 1000
	h := newHarness(t, 100, a)
	ctx := context.Background()

	_, err := h.ctrl.RecordUsage(ctx, "a", Usage{TokensIn: 600, TokensOut: 400, Model: "claude-sonnet-4"})
	require.NoError(t, err)
	d, err := h.ctrl.CheckBudget(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a ceiling that is reached but not exceeded still admits")

	_, err = h.ctrl.RecordUsage(ctx, "a", Usage{TokensOut: 1, Model: "claude-sonnet-4"})
	require.NoError(t, err)
	d, err = h.ctrl.CheckBudget(ctx, "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonAgentBudgetExceeded, d.Reason)
}

func TestCheckBudget_BreakerDominatesBudget(t *testing.T) {
	h := newHarness(t, 100, agent("a", models.TierCritical))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.ctrl.RecordOutcome(ctx, "a", false)
		require.NoError(t, err)
	}

	d, err := h.ctrl.CheckBudget(ctx, "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCircuitOpen, d.Reason, "zero spend, breaker still rejects")

	h.spend(t, "a", 200)
	d, err = h.ctrl.CheckBudget(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ReasonCircuitOpen, d.Reason, "breaker reported ahead of budget")
}

func TestRecordOutcome_OpensOnThirdFailureWithinWindow(t *testing.T) {
	h := newHarness(t, 100, agent("a", models.TierCritical))
	ctx := context.Background()

	opened, err := h.ctrl.RecordOutcome(ctx, "a", false)
	require.NoError(t, err)
	assert.False(t, opened)
	h.clock.Advance(2 * time.Minute)
	opened, err = h.ctrl.RecordOutcome(ctx, "a", false)
	require.NoError(t, err)
	assert.False(t, opened)
	h.clock.Advance(2 * time.Minute)
	opened, err = h.ctrl.RecordOutcome(ctx, "a", false)
	require.NoError(t, err)
	assert.True(t, opened)
}

func TestRecordOutcome_SuccessClearsWindow(t *testing.T) {
	h := newHarness(t, 100, agent("a", models.TierCritical))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.ctrl.RecordOutcome(ctx, "a", false)
		require.NoError(t, err)
	}
	_, err := h.ctrl.RecordOutcome(ctx, "a", true)
	require.NoError(t, err)
	opened, err := h.ctrl.RecordOutcome(ctx, "a", false)
	require.NoError(t, err)
	assert.False(t, opened)

	d, err := h.ctrl.CheckBudget(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestResetBreaker(t *testing.T) {
	h := newHarness(t, 100, agent("a", models.TierCritical))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.ctrl.RecordOutcome(ctx, "a", false)
		require.NoError(t, err)
	}
	require.NoError(t, h.ctrl.ResetBreaker(ctx, "a"))

	d, err := h.ctrl.CheckBudget(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.ErrorIs(t, h.ctrl.ResetBreaker(ctx, "ghost"), ErrUnknownAgent)
}

func TestBreakerCooldownReadmits(t *testing.T) {
	h := newHarness(t, 100, agent("a", models.TierCritical))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.ctrl.RecordOutcome(ctx, "a", false)
		require.NoError(t, err)
	}
	h.clock.Advance(breaker.DefaultCooldown)

	d, err := h.ctrl.CheckBudget(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRecordUsage_SumsMonotonically(t *testing.T) {
	h := newHarness(t, 1000, agent("a", models.TierCritical))
	ctx := context.Background()

	var last float64
	for i := 0; i < 5; i++ {
		cost, err := h.ctrl.RecordUsage(ctx, "a", Usage{TokensIn: 1_000_000, TokensOut: 0, Model: "claude-sonnet-4"})
		require.NoError(t, err)
		assert.InDelta(t, 3.0, cost, 1e-9)

		m, err := h.ledger.Read(ctx, ledger.MonthKey(h.clock.Now()))
		require.NoError(t, err)
		assert.Greater(t, m.GlobalSpend(), last)
		last = m.GlobalSpend()
	}

	m, err := h.ledger.Read(ctx, ledger.MonthKey(h.clock.Now()))
	require.NoError(t, err)
	assert.InDelta(t, 15.0, m.GlobalSpend(), 1e-9)
	assert.Equal(t, int64(5_000_000), m.Agent("a").MonthlyTokens)
	assert.Equal(t, int64(5_000_000), m.Agent("a").Daily[ledger.DayKey(epoch)].Tokens)
}

func TestMonthlyUsage(t *testing.T) {
	h := newHarness(t, 100, agent("a", models.TierStandard))
	ctx := context.Background()

	u, err := h.ctrl.MonthlyUsage(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, u.MonthlyTokens)

	_, err = h.ctrl.RecordUsage(ctx, "a", Usage{TokensIn: 700, TokensOut: 300, Model: "claude-sonnet-4"})
	require.NoError(t, err)

	u, err = h.ctrl.MonthlyUsage(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), u.MonthlyTokens)

	_, err = h.ctrl.MonthlyUsage(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRecordUsage_UnknownModelUsesFallback(t *testing.T) {
	h := newHarness(t, 1000, agent("a", models.TierCritical))

	cost, err := h.ctrl.RecordUsage(context.Background(), "a", Usage{TokensIn: 1_000_000, Model: "mystery"})
	require.NoError(t, err)
	assert.Greater(t, cost, 0.0)
}

func TestRecordUsage_RejectsNegativeTokens(t *testing.T) {
	h := newHarness(t, 1000, agent("a", models.TierCritical))
	_, err := h.ctrl.RecordUsage(context.Background(), "a", Usage{TokensIn: -1})
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	bg := agent("bg", models.TierBackground)
	crit := agent("crit", models.TierCritical)
	h := newHarness(t, 100, bg, crit)
	ctx := context.Background()

	h.spend(t, "crit", 65)
	for i := 0; i < 3; i++ {
		_, err := h.ctrl.RecordOutcome(ctx, "crit", false)
		require.NoError(t, err)
	}

	snap, err := h.ctrl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-07", snap.Month)
	assert.InDelta(t, 0.65, snap.SpendRatio, 1e-9)
	require.Len(t, snap.Agents, 2)

	assert.Equal(t, "crit", snap.Agents[0].ID)
	assert.True(t, snap.Agents[0].BreakerOpen)
	assert.Equal(t, ReasonCircuitOpen, snap.Agents[0].Reason)
	assert.Equal(t, 3, snap.Agents[0].Failures)

	assert.Equal(t, "bg", snap.Agents[1].ID)
	assert.False(t, snap.Agents[1].Allowed)
	assert.Equal(t, ReasonGlobalBudgetPaused, snap.Agents[1].Reason)
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "allowed", ReasonNone.String())
	assert.Equal(t, "circuit_open", ReasonCircuitOpen.String())
}
