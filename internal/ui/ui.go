// Package ui renders styled CLI output.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	if termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// RenderAccent highlights informational markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass marks success.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn marks degraded but usable results.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail marks errors.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary details.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section title.
func RenderHeader(s string) string { return headerStyle.Render(s) }

// IsInteractive reports whether stdin and stdout are terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Table writes rows as aligned columns under a muted header line.
func Table(w io.Writer, header []string, rows [][]string) {
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

	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			pad := 0
			if i < len(widths) {
				pad = widths[i] - lipgloss.Width(cell)
			}
			parts[i] = cell + strings.Repeat(" ", pad)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(w, RenderMuted(line(header)))
	for _, row := range rows {
		fmt.Fprintln(w, line(row))
	}
}
