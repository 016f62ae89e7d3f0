// Package styles holds the lipgloss styles of the alert browser.
package styles

import "github.com/charmbracelet/lipgloss"

var (
	Primary    = lipgloss.Color("#7C3AED")
	Secondary  = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Error      = lipgloss.Color("#EF4444")
	Info       = lipgloss.Color("#3B82F6")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")

	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary)

	Detail = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Primary).
		Padding(0, 1)

	StatusOK = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusError = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary)

	TableRow = lipgloss.NewStyle()

	TableRowSelected = lipgloss.NewStyle().
				Foreground(White).
				Background(Primary)
)

// AlertType colors the rule class column.
func AlertType(kind string) lipgloss.Style {
	switch kind {
	case "threshold":
		return lipgloss.NewStyle().Foreground(Warning)
	case "sequence":
		return lipgloss.NewStyle().Foreground(Error)
	case "anomaly":
		return lipgloss.NewStyle().Foreground(Info)
	}
	return Muted
}
