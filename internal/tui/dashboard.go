package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/fleet/internal/heartbeat"
	"github.com/ShayCichocki/fleet/internal/monitor"
)

// Source supplies reports to the dashboard. *monitor.Monitor satisfies it.
type Source interface {
	Report(ctx context.Context) (*monitor.Report, error)
	ResetBreaker(ctx context.Context, agentID string) error
}

// DefaultRefresh is used when no refresh interval is given.
const DefaultRefresh = 2 * time.Second

type reportMsg struct {
	report *monitor.Report
	err    error
}

type tickMsg time.Time

type resetMsg struct {
	agent string
	err   error
}

// Dashboard is the bubbletea model for `fleet watch`.
type Dashboard struct {
	ctx     context.Context
	source  Source
	refresh time.Duration

	table   table.Model
	report  *monitor.Report
	err     error
	message string
	width   int

	styles styles
}

var columns = []table.Column{
	{Title: "Agent", Width: 16},
	{Title: "Tier", Width: 7},
	{Title: "Tokens", Width: 14},
	{Title: "Budget", Width: 14},
	{Title: "Cost", Width: 9},
	{Title: "Breaker", Width: 9},
	{Title: "Heartbeat", Width: 10},
	{Title: "Age", Width: 8},
	{Title: "Admission", Width: 22},
}

// NewDashboard creates a dashboard polling src every refresh.
func NewDashboard(ctx context.Context, src Source, refresh time.Duration) *Dashboard {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())
	return &Dashboard{
		ctx:     ctx,
		source:  src,
		refresh: refresh,
		table:   t,
		styles:  defaultStyles(),
	}
}

// Run shows the dashboard until the user quits or ctx is canceled.
func Run(ctx context.Context, src Source, refresh time.Duration) error {
	p := tea.NewProgram(NewDashboard(ctx, src, refresh), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(d.fetch(), d.tick())
}

func (d *Dashboard) fetch() tea.Cmd {
	return func() tea.Msg {
		report, err := d.source.Report(d.ctx)
		return reportMsg{report: report, err: err}
	}
}

func (d *Dashboard) tick() tea.Cmd {
	return tea.Tick(d.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (d *Dashboard) resetSelected() tea.Cmd {
	row := d.table.SelectedRow()
	if len(row) == 0 {
		return nil
	}
	id := row[0]
	return func() tea.Msg {
		return resetMsg{agent: id, err: d.source.ResetBreaker(d.ctx, id)}
	}
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return d, tea.Quit
		case "r":
			return d, d.fetch()
		case "b":
			return d, d.resetSelected()
		}

	case tea.WindowSizeMsg:
		d.width = msg.Width
		// Header, spend bar, table header and footer take roughly 8 lines.
		if h := msg.Height - 8; h > 3 {
			d.table.SetHeight(h)
		}
		return d, nil

	case tickMsg:
		return d, tea.Batch(d.fetch(), d.tick())

	case reportMsg:
		d.err = msg.err
		if msg.err == nil {
			d.report = msg.report
			d.table.SetRows(rows(msg.report))
		}
		return d, nil

	case resetMsg:
		if msg.err != nil {
			d.message = fmt.Sprintf("reset %s failed: %v", msg.agent, msg.err)
			return d, nil
		}
		d.message = fmt.Sprintf("breaker for %s closed", msg.agent)
		return d, d.fetch()
	}

	var cmd tea.Cmd
	d.table, cmd = d.table.Update(msg)
	return d, cmd
}

func rows(report *monitor.Report) []table.Row {
	out := make([]table.Row, 0, len(report.Agents))
	for _, a := range report.Agents {
		budget := "unlimited"
		if a.TokenBudget > 0 {
			budget = formatNumber(a.TokenBudget)
		}
		breaker := "closed"
		if a.BreakerOpen {
			breaker = "OPEN"
		} else if a.Failures > 0 {
			breaker = fmt.Sprintf("%d fail", a.Failures)
		}
		age := "-"
		if a.Heartbeat != heartbeat.StateMissing {
			age = formatDuration(a.HeartbeatAge)
		}
		admission := "allowed"
		if !a.Allowed {
			admission = string(a.Reason)
		}
		out = append(out, table.Row{
			a.ID,
			a.Tier.String(),
			formatNumber(a.MonthlyTokens),
			budget,
			fmt.Sprintf("$%.2f", a.MonthlyCost),
			breaker,
			string(a.Heartbeat),
			age,
			admission,
		})
	}
	return out
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	var b strings.Builder
	b.WriteString(d.styles.title.Render("Fleet"))
	b.WriteString("\n")

	if d.report == nil {
		if d.err != nil {
			b.WriteString(d.styles.danger.Render("error: " + d.err.Error()))
		} else {
			b.WriteString(d.styles.hint.Render("loading..."))
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(d.summary())
	b.WriteString("\n\n")
	b.WriteString(d.table.View())
	b.WriteString("\n")
	b.WriteString(d.footer())
	return b.String()
}

func (d *Dashboard) summary() string {
	r := d.report
	status := d.styles.healthy.Render("healthy")
	if !r.Healthy {
		stuck, open := r.Counts()
		status = d.styles.danger.Render(fmt.Sprintf("degraded (%d stuck, %d open)", stuck, open))
	}

	spend := fmt.Sprintf("$%.2f", r.GlobalSpend)
	if r.MonthlyCapUSD > 0 {
		pct := r.SpendRatio * 100
		spend = fmt.Sprintf("$%.2f / $%.2f (%.1f%%) %s", r.GlobalSpend, r.MonthlyCapUSD, pct,
			progressBar(pct, 30, 60, d.styles.barFull, d.styles.warning, d.styles.barEmpty))
	}

	lines := []string{
		d.styles.label.Render("Month:") + " " + d.styles.value.Render(r.Month),
		d.styles.label.Render("Spend:") + " " + spend,
		d.styles.label.Render("Status:") + " " + status,
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (d *Dashboard) footer() string {
	hints := d.styles.hint.Render("↑/↓ select │ b reset breaker │ r refresh │ q quit")
	var left string
	switch {
	case d.err != nil:
		left = d.styles.danger.Render("refresh failed: " + d.err.Error())
	case d.message != "":
		left = d.styles.warning.Render(d.message)
	default:
		left = d.styles.hint.Render("updated " + d.report.CheckedAt.Format(time.TimeOnly))
	}
	return left + d.styles.sep.Render(" │ ") + hints
}
