package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders rows as left-aligned columns separated by two spaces. The
// first row is the header.
func Table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	widths := make([]int, 0)
	for _, row := range rows {
		for i, cell := range row {
			w := lipgloss.Width(cell)
			if i >= len(widths) {
				widths = append(widths, w)
			} else if w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			pad := widths[i] - lipgloss.Width(cell)
			if i == len(row)-1 {
				pad = 0
			}
			text := cell + strings.Repeat(" ", pad)
			if r == 0 {
				text = headerStyle.Render(cell) + strings.Repeat(" ", pad)
			}
			cells[i] = text
		}
		b.WriteString(strings.Join(cells, "  "))
		b.WriteByte('\n')
	}
	return b.String()
}
