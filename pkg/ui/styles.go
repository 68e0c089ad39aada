package ui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)

	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	systemLabelStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#AFAFAF"))
	timestampStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	systemTextStyle     = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#AFAFAF"))
	cursorStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Blink(true)

	evidencePane = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
	evidenceTitleStyle = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(lipgloss.Color("#FFFDF5"))
	scoreStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))

	statusOpenStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	statusPendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	statusDownStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	documentStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))

	healthyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	unhealthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)
