package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	title    lipgloss.Style
	label    lipgloss.Style
	value    lipgloss.Style
	healthy  lipgloss.Style
	warning  lipgloss.Style
	danger   lipgloss.Style
	barFull  lipgloss.Style
	barEmpty lipgloss.Style
	hint     lipgloss.Style
	sep      lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")),
		label:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(10),
		value:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true),
		healthy:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Bold(true),
		warning:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		danger:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		barFull:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		barEmpty: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		hint:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		sep:      lipgloss.NewStyle().Foreground(lipgloss.Color("236")),
	}
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("238")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	return s
}
