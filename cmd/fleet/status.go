package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fleet/internal/heartbeat"
	"github.com/ShayCichocki/fleet/internal/monitor"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet spend, breakers and heartbeats",
	Long: `Display the admission state of every rostered agent.

Shows:
  - Global month spend against the cap
  - Per-agent tier, month usage and admission decision
  - Circuit breaker state
  - Heartbeat age and staleness`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the report as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, "")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.monitor().Report(cmd.Context())
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	displayReport(cmd.OutOrStdout(), report)
	return nil
}

func displayReport(w io.Writer, r *monitor.Report) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	fmt.Fprintf(w, "Month: %s\n", r.Month)
	if r.MonthlyCapUSD > 0 {
		pct := r.SpendRatio * 100
		c := green
		switch {
		case pct >= 80:
			c = red
		case pct >= 60:
			c = yellow
		}
		fmt.Fprintf(w, "Spend: $%.2f / $%.2f (%s)\n", r.GlobalSpend, r.MonthlyCapUSD, c.Sprintf("%.1f%%", pct))
	} else {
		fmt.Fprintf(w, "Spend: $%.2f (no cap)\n", r.GlobalSpend)
	}
	if r.Healthy {
		fmt.Fprintf(w, "Health: %s\n", green.Sprint("healthy"))
	} else {
		stuck, open := r.Counts()
		fmt.Fprintf(w, "Health: %s\n", red.Sprintf("degraded (%d stuck, %d breakers open)", stuck, open))
	}
	fmt.Fprintln(w)

	if len(r.Agents) == 0 {
		fmt.Fprintln(w, "No agents configured.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tTIER\tTOKENS\tCOST\tBREAKER\tHEARTBEAT\tADMISSION")
	for _, a := range r.Agents {
		tokens := formatNumber(a.MonthlyTokens)
		if a.TokenBudget > 0 {
			tokens += " / " + formatNumber(a.TokenBudget)
		}

		breaker := green.Sprint("closed")
		if a.BreakerOpen {
			breaker = red.Sprint("open")
		} else if a.Failures > 0 {
			breaker = yellow.Sprintf("%d failures", a.Failures)
		}

		beat := string(a.Heartbeat)
		switch a.Heartbeat {
		case heartbeat.StateHealthy:
			beat = green.Sprintf("%s ago", formatDuration(a.HeartbeatAge))
		case heartbeat.StateStuck:
			beat = red.Sprintf("stuck %s", formatDuration(a.HeartbeatAge))
		case heartbeat.StatePaused:
			beat = yellow.Sprintf("paused %s", formatDuration(a.HeartbeatAge))
		}

		admission := green.Sprint("allowed")
		if !a.Allowed {
			admission = yellow.Sprint(string(a.Reason))
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t$%.2f\t%s\t%s\t%s\n",
			a.ID, a.Tier, tokens, a.MonthlyCost, breaker, beat, admission)
	}
	_ = tw.Flush()

	if len(r.Unrostered) > 0 {
		ids := make([]string, 0, len(r.Unrostered))
		for _, st := range r.Unrostered {
			ids = append(ids, st.Agent)
		}
		fmt.Fprintf(w, "\nHeartbeats from agents not in the roster: %s\n", strings.Join(ids, ", "))
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// formatNumber formats a number with commas.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	offset := len(s) % 3
	if offset > 0 {
		result.WriteString(s[:offset])
		result.WriteString(",")
	}
	for i := offset; i < len(s); i += 3 {
		result.WriteString(s[i : i+3])
		if i+3 < len(s) {
			result.WriteString(",")
		}
	}
	return result.String()
}
