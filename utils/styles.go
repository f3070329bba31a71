package utils

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	CriticalColor = lipgloss.Color("#CC3333")
	WarningColor  = lipgloss.Color("#FF8800")
	GoodColor     = lipgloss.Color("#228B22")
	InfoColor     = lipgloss.Color("#4682B4")
	TextColor     = lipgloss.Color("#CCCCCC")
	MutedColor    = lipgloss.Color("#888888")
)

var (
	CriticalStyle = lipgloss.NewStyle().Foreground(CriticalColor).Bold(true)
	WarningStyle  = lipgloss.NewStyle().Foreground(WarningColor).Bold(true)
	GoodStyle     = lipgloss.NewStyle().Foreground(GoodColor).Bold(true)
	InfoStyle     = lipgloss.NewStyle().Foreground(InfoColor)
	MutedStyle    = lipgloss.NewStyle().Foreground(MutedColor)
	TextStyle     = lipgloss.NewStyle().Foreground(TextColor)

	TabActiveStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(InfoColor).
			Padding(0, 1).
			Bold(true)

	TabInactiveStyle = lipgloss.NewStyle().
				Foreground(MutedColor).
				Padding(0, 1)

	TitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Bold(true).
			Padding(0, 1)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			Background(lipgloss.Color("#1a1a1a")).
			Bold(true).
			Padding(0, 1)
)

// Bars fall back to ASCII on terminals that cannot draw block characters.
var asciiBars = os.Getenv("TERM") == "linux" || os.Getenv("TERM") == "dumb"

func CreateProgressBar(ratio float64, width int, color lipgloss.Color) string {
	if width < 4 {
		return fmt.Sprintf("%.0f%%", ratio*100)
	}

	fill, empty := "█", "░"
	if asciiBars {
		fill, empty = "#", "-"
	}
	filled := min(max(int(math.Round(ratio*float64(width))), 0), width)
	bar := strings.Repeat(fill, filled) + strings.Repeat(empty, width-filled)
	if color != "" {
		bar = lipgloss.NewStyle().Foreground(color).Render(bar)
	}
	return bar
}

func CreateProgressBarWithLabel(ratio float64, width int, color lipgloss.Color, label string) string {
	if width < 10 {
		return fmt.Sprintf("%.0f%%", ratio*100)
	}
	barWidth := width - len(label) - 1
	if barWidth < 4 {
		return label
	}
	return CreateProgressBar(ratio, barWidth, color) + " " + label
}

// PressureStyle and PressureIcon take the level names low, moderate, high
// and critical.
func PressureStyle(level string) lipgloss.Style {
	switch level {
	case "critical":
		return CriticalStyle
	case "high":
		return WarningStyle
	case "moderate":
		return InfoStyle
	default:
		return GoodStyle
	}
}

func PressureColor(level string) lipgloss.Color {
	switch level {
	case "critical":
		return CriticalColor
	case "high":
		return WarningColor
	case "moderate":
		return InfoColor
	default:
		return GoodColor
	}
}

func PressureIcon(level string) string {
	switch level {
	case "critical":
		return "🔴"
	case "high":
		return "🟠"
	case "moderate":
		return "🟡"
	default:
		return "🟢"
	}
}

// TrendIcon takes a slope relative to the series mean.
func TrendIcon(trend float64) string {
	switch {
	case trend > 0.05:
		return "📈"
	case trend < -0.05:
		return "📉"
	default:
		return "➡️"
	}
}

func FormatKeyValue(key, value string, keyWidth int) string {
	keyStyled := InfoStyle.Width(keyWidth).Render(key + ":")
	return lipgloss.JoinHorizontal(lipgloss.Left, keyStyled, " ", TextStyle.Render(value))
}
