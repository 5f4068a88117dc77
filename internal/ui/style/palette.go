package style

import "github.com/charmbracelet/lipgloss"

var (
	Cyan    = lipgloss.Color("#00E5FF") // Primary highlight
	Magenta = lipgloss.Color("#FF1B6B") // Accent
	Yellow  = lipgloss.Color("#FFB500") // Warnings
	Green   = lipgloss.Color("#2AFFAA") // In range / success
	Red     = lipgloss.Color("#FF5555") // Out of range / errors

	Base03 = lipgloss.Color("#1B1D23") // Background
	Base01 = lipgloss.Color("#6C7280") // Muted text
	Base2  = lipgloss.Color("#ECEFF4") // Primary text
	Base1  = lipgloss.Color("#B4BCC8") // Secondary text
)

// Palette provides a centralized color management
type Palette struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Error     lipgloss.Color
	Warning   lipgloss.Color

	Background    lipgloss.Color
	Text          lipgloss.Color
	TextMuted     lipgloss.Color
	TextSecondary lipgloss.Color
}

// DefaultPalette returns the default color palette
func DefaultPalette() Palette {
	return Palette{
		Primary:   Cyan,
		Secondary: Magenta,
		Success:   Green,
		Error:     Red,
		Warning:   Yellow,

		Background:    Base03,
		Text:          Base2,
		TextMuted:     Base01,
		TextSecondary: Base1,
	}
}

// WatchStyles styles the watcher screen.
type WatchStyles struct {
	Header     lipgloss.Style
	Title      lipgloss.Style
	Section    lipgloss.Style
	Muted      lipgloss.Style
	InRange    lipgloss.Style
	OutOfRange lipgloss.Style
	Connecting lipgloss.Style
	Connected  lipgloss.Style
	Failed     lipgloss.Style
}

func NewWatchStyles(palette Palette) WatchStyles {
	return WatchStyles{
		Header: lipgloss.NewStyle().
			Foreground(palette.Text).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(palette.Primary).
			Padding(0, 2).
			MarginBottom(1),

		Title: lipgloss.NewStyle().
			Foreground(palette.Primary).
			Bold(true),

		Section: lipgloss.NewStyle().
			Foreground(palette.Secondary).
			Bold(true).
			MarginTop(1),

		Muted:      lipgloss.NewStyle().Foreground(palette.TextMuted),
		InRange:    lipgloss.NewStyle().Foreground(palette.Success),
		OutOfRange: lipgloss.NewStyle().Foreground(palette.Error).Bold(true),
		Connecting: lipgloss.NewStyle().Foreground(palette.Warning).Bold(true),
		Connected:  lipgloss.NewStyle().Foreground(palette.Success).Bold(true),
		Failed:     lipgloss.NewStyle().Foreground(palette.Error).Bold(true),
	}
}
