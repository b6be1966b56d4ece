package inspect

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	primaryColor   = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7D79F6"}
	secondaryColor = lipgloss.AdaptiveColor{Light: "#00897B", Dark: "#26A69A"}
	errorColor     = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#EF5350"}
	mutedColor     = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
	fgColor        = lipgloss.AdaptiveColor{Light: "#1E1E2E", Dark: "#CDD6F4"}
)

// Common styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			Padding(0, 1)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFFFFF")).
				Background(primaryColor).
				Bold(true).
				Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Padding(0, 1)

	detailStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true).
			Padding(1)
)
