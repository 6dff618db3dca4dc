package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/fleet/internal/admission"
	"github.com/ShayCichocki/fleet/internal/heartbeat"
	"github.com/ShayCichocki/fleet/internal/monitor"
	"github.com/ShayCichocki/fleet/pkg/models"
)

type fakeSource struct {
	report *monitor.Report
	err    error
	resets []string
}

func (f *fakeSource) Report(context.Context) (*monitor.Report, error) {
	return f.report, f.err
}

func (f *fakeSource) ResetBreaker(_ context.Context, id string) error {
	f.resets = append(f.resets, id)
	return nil
}

func sampleReport() *monitor.Report {
	return &monitor.Report{
		CheckedAt:     time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		Month:         "2026-05",
		MonthlyCapUSD: 100,
		GlobalSpend:   65,
		SpendRatio:    0.65,
		Agents: []monitor.AgentReport{
			{
				AgentStatus: admission.AgentStatus{
					ID: "concierge", Tier: models.TierCritical, MonthlyTokens: 1234567,
					MonthlyCost: 40, Allowed: true,
				},
				Heartbeat:    heartbeat.StateHealthy,
				HeartbeatAge: 90 * time.Second,
			},
			{
				AgentStatus: admission.AgentStatus{
					ID: "digest", Tier: models.TierBackground, TokenBudget: 500000,
					MonthlyCost: 25, BreakerOpen: true, Reason: admission.ReasonCircuitOpen,
				},
				Heartbeat: heartbeat.StateMissing,
			},
		},
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-4200, "-4,200"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{3*time.Minute + 12*time.Second, "3m12s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRows(t *testing.T) {
	got := rows(sampleReport())
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}

	first := got[0]
	if first[0] != "concierge" || first[1] != "tier-1" {
		t.Errorf("first row = %v", first)
	}
	if first[2] != "1,234,567" || first[3] != "unlimited" {
		t.Errorf("token columns = %q %q", first[2], first[3])
	}
	if first[7] != "1m30s" || first[8] != "allowed" {
		t.Errorf("age/admission = %q %q", first[7], first[8])
	}

	second := got[1]
	if second[5] != "OPEN" {
		t.Errorf("breaker column = %q, want OPEN", second[5])
	}
	if second[7] != "-" {
		t.Errorf("missing heartbeat age = %q, want -", second[7])
	}
	if second[8] != string(admission.ReasonCircuitOpen) {
		t.Errorf("admission column = %q", second[8])
	}
}

func TestDashboard_ViewBeforeFirstReport(t *testing.T) {
	d := NewDashboard(context.Background(), &fakeSource{}, 0)
	if !strings.Contains(d.View(), "loading") {
		t.Errorf("view should show loading, got %q", d.View())
	}

	d.Update(reportMsg{err: errors.New("ledger unreadable")})
	if !strings.Contains(d.View(), "ledger unreadable") {
		t.Errorf("view should show error, got %q", d.View())
	}
}

func TestDashboard_RendersReport(t *testing.T) {
	src := &fakeSource{report: sampleReport()}
	d := NewDashboard(context.Background(), src, time.Second)

	msg := d.fetch()()
	d.Update(msg)

	view := d.View()
	for _, want := range []string{"2026-05", "concierge", "digest", "$65.00 / $100.00", "OPEN"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestDashboard_ResetSelected(t *testing.T) {
	src := &fakeSource{report: sampleReport()}
	d := NewDashboard(context.Background(), src, time.Second)
	d.Update(reportMsg{report: src.report})

	d.Update(tea.KeyMsg{Type: tea.KeyDown})
	_, cmd := d.Update(key("b"))
	if cmd == nil {
		t.Fatal("reset key returned no command")
	}
	res, ok := cmd().(resetMsg)
	if !ok {
		t.Fatalf("command produced %T, want resetMsg", cmd())
	}
	if res.agent != "digest" {
		t.Errorf("reset agent = %q, want digest", res.agent)
	}
	if len(src.resets) != 1 || src.resets[0] != "digest" {
		t.Errorf("resets = %v", src.resets)
	}

	_, cmd = d.Update(res)
	if cmd == nil {
		t.Error("a successful reset should trigger a refresh")
	}
	if !strings.Contains(d.View(), "breaker for digest closed") {
		t.Error("view should confirm the reset")
	}
}

func TestDashboard_Quit(t *testing.T) {
	d := NewDashboard(context.Background(), &fakeSource{}, time.Second)
	_, cmd := d.Update(key("q"))
	if cmd == nil {
		t.Fatal("quit key returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}
