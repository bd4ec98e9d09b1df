// Package render draws forecasts and lifecycle tables for terminal output.
package render

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Slate is the neutral used for planned work and table borders.
	Slate = "#52526A"
	// Sky marks requests awaiting the treasury.
	Sky = "#99CCFF"
	// Amber marks partial mobilization.
	Amber = "#FFAA00"
	// Leaf marks fully mobilized credits.
	Leaf = "#33CC66"
	// Alert marks overdue requests.
	Alert = "#FF3333"
	// Paper is the header text color.
	Paper = "#F5F6FA"
)

const (
	// IconPlanned marks a forecast not yet requested.
	IconPlanned = "○"
	// IconRequested marks a pending request.
	IconRequested = "⏸"
	// IconPartial marks a partially mobilized forecast.
	IconPartial = "◐"
	// IconMobilized marks a fully mobilized forecast.
	IconMobilized = "✓"
	// IconLate marks an overdue request.
	IconLate = "⚠"
)

var (
	// SlateColor is the profile-aware terminal color for Slate.
	SlateColor = paletteColor(Slate, "60", "8")
	// SkyColor is the profile-aware terminal color for Sky.
	SkyColor = paletteColor(Sky, "153", "14")
	// AmberColor is the profile-aware terminal color for Amber.
	AmberColor = paletteColor(Amber, "214", "11")
	// LeafColor is the profile-aware terminal color for Leaf.
	LeafColor = paletteColor(Leaf, "41", "10")
	// AlertColor is the profile-aware terminal color for Alert.
	AlertColor = paletteColor(Alert, "203", "9")
	// PaperColor is the profile-aware terminal color for Paper.
	PaperColor = paletteColor(Paper, "255", "15")
)

var (
	// HeaderStyle renders table headers.
	HeaderStyle = lipgloss.NewStyle().Foreground(PaperColor).Bold(true).Padding(0, 1)
	// CellStyle renders table cells.
	CellStyle = lipgloss.NewStyle().Padding(0, 1)
	// AmountStyle right-aligns amount columns.
	AmountStyle = CellStyle.Align(lipgloss.Right)
	// WarningStyle highlights overdue values.
	WarningStyle = lipgloss.NewStyle().Foreground(AlertColor).Bold(true)
	// MutedStyle renders secondary text such as descriptions.
	MutedStyle = lipgloss.NewStyle().Foreground(SlateColor)
)

var colorProfileFn = lipgloss.ColorProfile

func paletteColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
