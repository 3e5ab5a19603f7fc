package tui

import "github.com/charmbracelet/lipgloss"

// ANSI 256 palette indexes.
const (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorHelp    = lipgloss.Color("241")
	colorRunning = lipgloss.Color("214")
	colorDone    = lipgloss.Color("42")
	colorFailed  = lipgloss.Color("196")
	colorSuspend = lipgloss.Color("135")
)

var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorAccent)

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorMuted)
)

// Task and agent states share these.
var (
	StyleStatusRunning   = lipgloss.NewStyle().Foreground(colorRunning).Bold(true)
	StyleStatusComplete  = lipgloss.NewStyle().Foreground(colorDone).Bold(true)
	StyleStatusFailed    = lipgloss.NewStyle().Foreground(colorFailed).Bold(true)
	StyleStatusPending   = lipgloss.NewStyle().Foreground(colorMuted)
	StyleStatusSuspended = lipgloss.NewStyle().Foreground(colorSuspend)
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(colorHelp)
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
)
