package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// formatNumber formats a number with thousand separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 {
		str = str[1:]
	}

	var b strings.Builder
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}

	if n < 0 {
		return "-" + b.String()
	}
	return b.String()
}

// formatDuration renders an age compactly: 45s, 3m12s, 2h5m.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// progressBar renders pct (0-100) as a bar of the given width. The filled
// part switches to warn once pct reaches warnAt.
func progressBar(pct float64, width int, warnAt float64, full, warn, empty lipgloss.Style) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	filled := int(pct / 100 * float64(width))
	style := full
	if pct >= warnAt {
		style = warn
	}
	return "[" + style.Render(strings.Repeat("█", filled)) +
		empty.Render(strings.Repeat("░", width-filled)) + "]"
}
