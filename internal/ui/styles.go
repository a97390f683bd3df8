// Package ui provides terminal styling for treesync command output.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"

	"github.com/treesync/treesync/internal/mirror/schema"
)

func init() {
	if !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Adaptive colors pick a light or dark variant based on the terminal
// background.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#E65100", Dark: "#FFB74D"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	BoldStyle   = lipgloss.NewStyle().Bold(true)
)

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderBold(s string) string   { return BoldStyle.Render(s) }

// RenderStatus colors a queue status by how healthy it is.
func RenderStatus(status schema.QueueStatus) string {
	switch status {
	case schema.StatusCompleted:
		return RenderPass(string(status))
	case schema.StatusFailed:
		return RenderFail(string(status))
	case schema.StatusProcessing:
		return RenderAccent(string(status))
	default:
		return RenderWarn(string(status))
	}
}

// FormatSize renders a byte count for humans ("1.2 MB").
func FormatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// Table renders rows as left-aligned columns separated by two spaces. The
// header row is bold. Cell widths ignore ANSI styling.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style func(string) string) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if i > 0 {
				b.WriteString("  ")
			}
			pad := widths[i] - lipgloss.Width(cell)
			if i == len(cells)-1 {
				pad = 0
			}
			b.WriteString(style(cell))
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteByte('\n')
	}

	writeRow(header, RenderBold)
	for _, row := range rows {
		writeRow(row, func(s string) string { return s })
	}
	return b.String()
}

// Count renders "n noun", pluralizing noun when n != 1 ("3 files",
// "2 directories").
func Count(n int, noun string) string {
	switch {
	case n == 1:
		return fmt.Sprintf("%d %s", n, noun)
	case strings.HasSuffix(noun, "y"):
		return fmt.Sprintf("%d %sies", n, strings.TrimSuffix(noun, "y"))
	default:
		return fmt.Sprintf("%d %ss", n, noun)
	}
}
