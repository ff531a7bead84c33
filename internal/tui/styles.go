package tui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true)

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("214")).
			Bold(true).
			Padding(0, 1)
)

var statusColors = map[AgentStatus]lipgloss.Color{
	AgentPending:   lipgloss.Color("240"),
	AgentWaiting:   lipgloss.Color("245"),
	AgentRunning:   lipgloss.Color("39"),
	AgentRetrying:  lipgloss.Color("214"),
	AgentSucceeded: lipgloss.Color("34"),
	AgentDegraded:  lipgloss.Color("178"),
	AgentSkipped:   lipgloss.Color("243"),
	AgentFailed:    lipgloss.Color("196"),
	AgentSwapped:   lipgloss.Color("141"),
}

func statusStyle(s AgentStatus) lipgloss.Style {
	c, ok := statusColors[s]
	if !ok {
		c = lipgloss.Color("252")
	}
	return lipgloss.NewStyle().Foreground(c).Width(10)
}
