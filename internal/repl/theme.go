package repl

import "github.com/charmbracelet/lipgloss"

// Theme 终端配色与样式
// Theme holds terminal colors and styles
type Theme struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Danger  lipgloss.Style
	Panel   lipgloss.Style
	Badge   lipgloss.Style
}

// DarkTheme 暗色主题（默认）
// DarkTheme is the default dark theme
func DarkTheme() Theme {
	primary := lipgloss.Color("#7C3AED")
	secondary := lipgloss.Color("#06B6D4")
	danger := lipgloss.Color("#EF4444")
	warning := lipgloss.Color("#F59E0B")
	success := lipgloss.Color("#10B981")
	muted := lipgloss.Color("#6B7280")
	border := lipgloss.Color("#374151")

	return Theme{
		Title:   lipgloss.NewStyle().Foreground(primary).Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(muted),
		Error:   lipgloss.NewStyle().Foreground(danger).Bold(true),
		Success: lipgloss.NewStyle().Foreground(success),
		Warning: lipgloss.NewStyle().Foreground(warning),
		Danger: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(danger).
			Bold(true).
			Padding(0, 1),
		Panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(border).
			Padding(0, 1),
		Badge: lipgloss.NewStyle().Foreground(secondary).Bold(true),
	}
}

// PlainTheme renders without colors or borders.
func PlainTheme() Theme {
	p := lipgloss.NewStyle()
	return Theme{Title: p, Muted: p, Error: p, Success: p, Warning: p, Danger: p, Panel: p, Badge: p}
}
