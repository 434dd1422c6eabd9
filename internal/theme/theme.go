package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/userexternal/internal/backend"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue    = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen   = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow  = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed     = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange  = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorMagenta = lipgloss.AdaptiveColor{Dark: "#CC5DE8", Light: "#805AD5"}
	ColorGray    = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite   = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorBorder  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for table headers and section titles.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// PanelStyle wraps a block of command output.
var PanelStyle = lipgloss.NewStyle().
	Padding(0, 1).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder)

// LabelStyle renders the key column of key/value output.
var LabelStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Width(10)

// HelpStyle is used for hints and secondary text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// SuccessStyle marks an accepted login.
var SuccessStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorGreen)

// ClassStyle returns a color-coded style for a failure class.
func ClassStyle(c backend.Class) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch c {
	case backend.ClassRejected:
		return base.Foreground(ColorRed)
	case backend.ClassConnectivity:
		return base.Foreground(ColorOrange)
	case backend.ClassProtocol:
		return base.Foreground(ColorMagenta)
	case backend.ClassConfiguration:
		return base.Foreground(ColorYellow)
	default:
		return base.Foreground(ColorGray)
	}
}

// KindStyle returns a color-coded style for a backend kind label.
func KindStyle(kind backend.Kind) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)

	switch kind {
	case backend.KindIMAP, backend.KindIMAPEngine:
		return base.Foreground(ColorGreen)
	case backend.KindWebDAV, backend.KindBasicAuth, backend.KindHTTP, backend.KindREST:
		return base.Foreground(ColorBlue)
	case backend.KindMySQL, backend.KindXMPP:
		return base.Foreground(ColorMagenta)
	default:
		return base.Foreground(ColorGray)
	}
}
