// Package ledger records token and cost consumption per agent, per day and
// per month, and the system-wide monthly total.
//
// The ledger is the single source of truth for admission decisions. Callers
// must Read it at decision time; no component caches a month record across
// decisions.
package ledger

import (
	"context"
	"time"
)

// Ledger is the narrow storage contract shared by every agent process.
type Ledger interface {
	// Read returns the record for the given month key (see MonthKey). A month
	// with no usage yields an empty record, not an error.
	Read(ctx context.Context, month string) (*Month, error)
	// ApplyDelta adds one call's usage to the month containing d.At and
	// returns the updated record. The write is durable when it returns.
	ApplyDelta(ctx context.Context, d Delta) (*Month, error)
}

// Delta is the usage produced by one completed model call or run.
type Delta struct {
	AgentID   string
	At        time.Time
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

// Tokens returns the total tokens in the delta.
func (d Delta) Tokens() int64 { return d.TokensIn + d.TokensOut }

// DayUsage is the consumption of one agent on one calendar day.
type DayUsage struct {
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// AgentUsage is one agent's consumption within a month.
type AgentUsage struct {
	Daily         map[string]DayUsage `json:"daily"`
	MonthlyTokens int64               `json:"monthlyTokens"`
	MonthlyCost   float64             `json:"monthlyCost"`
}

// Month is the persisted document for one calendar month.
type Month struct {
	Month     string                 `json:"month"`
	TotalCost float64                `json:"totalCost"`
	Agents    map[string]*AgentUsage `json:"agents"`
	UpdatedAt time.Time              `json:"updatedAt,omitempty"`
}

// NewMonth returns an empty record for the given month key.
func NewMonth(month string) *Month {
	return &Month{Month: month, Agents: make(map[string]*AgentUsage)}
}

// GlobalSpend recomputes the system-wide spend as the sum of every agent's
// monthly cost. TotalCost is stored for external readers but is never
// trusted for decisions.
func (m *Month) GlobalSpend() float64 {
	var total float64
	for _, a := range m.Agents {
		total += a.MonthlyCost
	}
	return total
}

// Agent returns a copy of the usage for agentID, or a zero value.
func (m *Month) Agent(agentID string) AgentUsage {
	a, ok := m.Agents[agentID]
	if !ok || a == nil {
		return AgentUsage{}
	}
	return *a
}

// apply folds d into the record.
func (m *Month) apply(d Delta) {
	if m.Agents == nil {
		m.Agents = make(map[string]*AgentUsage)
	}
	a, ok := m.Agents[d.AgentID]
	if !ok || a == nil {
		a = &AgentUsage{}
		m.Agents[d.AgentID] = a
	}
	if a.Daily == nil {
		a.Daily = make(map[string]DayUsage)
	}

	day := a.Daily[DayKey(d.At)]
	day.Tokens += d.Tokens()
	day.Cost += d.Cost
	a.Daily[DayKey(d.At)] = day

	a.MonthlyTokens += d.Tokens()
	a.MonthlyCost += d.Cost
	m.TotalCost = m.GlobalSpend()
	m.UpdatedAt = d.At.UTC()
}

// MonthKey returns the ledger key for the month containing t (UTC).
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DayKey returns the daily bucket key for t (UTC).
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
