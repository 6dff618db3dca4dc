// Package monitor aggregates admission state and heartbeats into a fleet
// health report and serves it over HTTP.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/admission"
	"github.com/ShayCichocki/fleet/internal/clock"
	"github.com/ShayCichocki/fleet/internal/heartbeat"
	"github.com/ShayCichocki/fleet/internal/metrics"
)

// Controller is the part of the admission controller the monitor uses.
type Controller interface {
	Snapshot(ctx context.Context) (*admission.Snapshot, error)
	ResetBreaker(ctx context.Context, agentID string) error
}

// AgentReport is the combined admission and liveness view of one agent.
type AgentReport struct {
	admission.AgentStatus
	Heartbeat    heartbeat.State `json:"heartbeat"`
	HeartbeatAge time.Duration   `json:"heartbeatAge"`
	LastBeat     *time.Time      `json:"lastBeat,omitempty"`
	LastOutcome  string          `json:"lastOutcome,omitempty"`
}

// Report is a point-in-time view of the fleet.
type Report struct {
	CheckedAt     time.Time     `json:"checkedAt"`
	Healthy       bool          `json:"healthy"`
	Month         string        `json:"month"`
	MonthlyCapUSD float64       `json:"monthlyCapUsd"`
	GlobalSpend   float64       `json:"globalSpend"`
	SpendRatio    float64       `json:"spendRatio"`
	Agents        []AgentReport `json:"agents"`
	// Unrostered lists agents with a heartbeat but no roster entry.
	Unrostered []heartbeat.Status `json:"unrostered,omitempty"`
}

// Counts returns how many agents are stuck and how many have an open breaker.
func (r *Report) Counts() (stuck, open int) {
	for _, a := range r.Agents {
		if a.Heartbeat == heartbeat.StateStuck {
			stuck++
		}
		if a.BreakerOpen {
			open++
		}
	}
	return stuck, open
}

// Agent returns the report row for id.
func (r *Report) Agent(id string) (AgentReport, bool) {
	for _, a := range r.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentReport{}, false
}

// Config configures a Monitor.
type Config struct {
	Controller Controller
	Heartbeats *heartbeat.Store
	// StaleAfter marks an agent stuck when its heartbeat is older. Zero
	// disables staleness detection.
	StaleAfter time.Duration
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Monitor builds health reports.
type Monitor struct {
	ctrl       Controller
	heartbeats *heartbeat.Store
	staleAfter time.Duration
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	m := &Monitor{
		ctrl:       cfg.Controller,
		heartbeats: cfg.Heartbeats,
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("monitor")
	return m
}

// Report reads admission state and heartbeats once and combines them.
// The fleet is healthy when no rostered agent is stuck and no breaker is
// open.
func (m *Monitor) Report(ctx context.Context) (*Report, error) {
	snap, err := m.ctrl.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading admission snapshot: %w", err)
	}

	now := m.clock.Now()
	ids := make([]string, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		ids = append(ids, a.ID)
	}
	statuses, err := m.heartbeats.Check(ids, now, m.staleAfter)
	if err != nil {
		return nil, fmt.Errorf("checking heartbeats: %w", err)
	}
	byID := make(map[string]heartbeat.Status, len(statuses))
	for _, st := range statuses {
		byID[st.Agent] = st
	}

	report := &Report{
		CheckedAt:     now,
		Month:         snap.Month,
		MonthlyCapUSD: snap.MonthlyCapUSD,
		GlobalSpend:   snap.GlobalSpend,
		SpendRatio:    snap.SpendRatio,
		Agents:        make([]AgentReport, 0, len(snap.Agents)),
	}
	rostered := make(map[string]bool, len(snap.Agents))
	for _, a := range snap.Agents {
		rostered[a.ID] = true
		st := byID[a.ID]
		row := AgentReport{AgentStatus: a, Heartbeat: st.State, HeartbeatAge: st.Age}
		// Blocked runs skip the heartbeat, so a rejected agent goes quiet
		// without being stuck.
		if st.State == heartbeat.StateStuck && !a.Allowed {
			row.Heartbeat = heartbeat.StatePaused
		}
		if st.Record != nil {
			ts := st.Record.TS
			row.LastBeat = &ts
			row.LastOutcome = st.Record.Outcome
		}
		report.Agents = append(report.Agents, row)
		m.metrics.SetHeartbeat(a.ID, st.Age, row.Heartbeat != heartbeat.StateStuck)
	}
	for _, st := range statuses {
		if !rostered[st.Agent] {
			report.Unrostered = append(report.Unrostered, st)
		}
	}

	stuck, open := report.Counts()
	report.Healthy = stuck == 0 && open == 0
	return report, nil
}

// Refresh updates the heartbeat metrics of one agent. It is the callback
// of the heartbeat watcher.
func (m *Monitor) Refresh(agentID string) {
	rec, found, err := m.heartbeats.Read(agentID)
	if err != nil {
		m.logger.Warn("reading heartbeat failed", zap.String("agent", agentID), zap.Error(err))
		return
	}
	var recPtr *heartbeat.Record
	if found {
		recPtr = &rec
	}
	state, age := heartbeat.Classify(recPtr, m.clock.Now(), m.staleAfter)
	m.metrics.SetHeartbeat(agentID, age, state != heartbeat.StateStuck)
	m.logger.Debug("heartbeat changed",
		zap.String("agent", agentID),
		zap.String("state", string(state)),
		zap.Duration("age", age))
}

// ResetBreaker closes an agent's breaker.
func (m *Monitor) ResetBreaker(ctx context.Context, agentID string) error {
	return m.ctrl.ResetBreaker(ctx, agentID)
}
