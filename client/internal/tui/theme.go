// Package tui holds the styles shared by the permbridge terminal screens.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/permbridge/client/internal/coordinator"
	"github.com/amurg-ai/permbridge/pkg/protocol"
)

// Palette.
var (
	ColorPrimary = lipgloss.Color("#0EA5E9") // sky
	ColorAccent  = lipgloss.Color("#A78BFA") // violet-400

	ColorAllow = lipgloss.Color("#22C55E")
	ColorWarn  = lipgloss.Color("#EAB308")
	ColorDeny  = lipgloss.Color("#F43F5E")

	ColorMuted = lipgloss.Color("#64748B")
	ColorText  = lipgloss.Color("#E2E8F0")
	ColorSoft  = lipgloss.Color("#94A3B8")
)

func fg(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

var (
	Title    = fg(ColorPrimary).Bold(true)
	Subtitle = fg(ColorAccent).Bold(true)

	Description = fg(ColorSoft)
	Dimmed      = fg(ColorMuted)

	// Selected marks the row under the cursor.
	Selected = fg(ColorPrimary).Bold(true)

	ErrorStyle   = fg(ColorDeny)
	WarningStyle = fg(ColorWarn)

	// Panel frames each section of a screen.
	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMuted)
)

const dot = "●"

// StatusDot returns a colored dot for the peer connection. A disconnected
// bridge that is still retrying shows amber.
func StatusDot(state coordinator.State, reconnecting bool) string {
	return connStyle(state, reconnecting).Render(dot)
}

// StatusText is the label matching StatusDot.
func StatusText(state coordinator.State, reconnecting bool) string {
	label := string(state)
	if state != coordinator.StateConnected && reconnecting {
		label = "reconnecting"
	}
	return connStyle(state, reconnecting).Render(label)
}

func connStyle(state coordinator.State, reconnecting bool) lipgloss.Style {
	switch {
	case state == coordinator.StateConnected:
		return fg(ColorAllow)
	case reconnecting:
		return WarningStyle
	default:
		return ErrorStyle
	}
}

// DecisionStyle colors a decision label.
func DecisionStyle(d protocol.Decision) lipgloss.Style {
	switch d {
	case protocol.DecisionAllow, protocol.DecisionAllowSession:
		return fg(ColorAllow)
	case protocol.DecisionAllowAlways:
		return fg(ColorAllow).Bold(true)
	case protocol.DecisionDeny:
		return ErrorStyle
	}
	return Dimmed
}

var levelColors = map[string]lipgloss.Color{
	"DEBUG": ColorMuted,
	"INFO":  ColorPrimary,
	"WARN":  ColorWarn,
	"ERROR": ColorDeny,
}

// LogLevelStyle colors a slog level name.
func LogLevelStyle(level string) lipgloss.Style {
	if c, ok := levelColors[level]; ok {
		return fg(c)
	}
	return fg(ColorText)
}
