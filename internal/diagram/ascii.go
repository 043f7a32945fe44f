package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const boxGap = "  "

var statusTags = map[string]string{
	"success": "[OK]",
	"error":   "[FAIL]",
	"waiting": "[WAIT]",
}

// RenderASCII renders a Model as text: one row of boxes per level followed
// by the connection list.
func RenderASCII(model *Model) string {
	var sb strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&sb, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}

	var rows [][]string
	for _, level := range model.Levels {
		var boxes []textBox
		for _, id := range level {
			if n, ok := byID[id]; ok {
				boxes = append(boxes, newTextBox(nodeLines(n)))
			}
		}
		if len(boxes) > 0 {
			rows = append(rows, sideBySide(boxes))
		}
	}
	for i, row := range rows {
		if i > 0 {
			writeArrow(&sb, rows[i-1])
		}
		for _, line := range row {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	if len(model.Edges) > 0 {
		sb.WriteString("\nconnections:\n")
		for _, e := range model.Edges {
			sb.WriteString("  " + edgeLine(e) + "\n")
		}
	}
	return sb.String()
}

// nodeLines is the text shown inside a node's box.
func nodeLines(n *Node) []string {
	label, _, _ := strings.Cut(n.Label, "\n")
	lines := []string{label}
	if n.Kind == NodeKindDisabled {
		lines = append(lines, "[OFF]")
	}
	if st := n.Status; st != nil {
		if tag, ok := statusTags[st.Status]; ok {
			lines = append(lines, tag)
		}
		lines = append(lines, fmt.Sprintf("%d items", st.Items))
		if st.Invocations > 1 {
			lines = append(lines, fmt.Sprintf("x%d", st.Invocations))
		}
	}
	return lines
}

func edgeLine(e Edge) string {
	arrow := "─→"
	if e.Aux {
		arrow = "┄→"
	}
	line := e.From + " " + arrow + " " + e.To
	if e.Label != "" {
		line += " [" + e.Label + "]"
	}
	return line
}

// textBox is a framed block of text lines of equal display width.
type textBox struct {
	rows  []string
	width int
}

func newTextBox(content []string) textBox {
	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}
	border := strings.Repeat("─", inner+2)

	rows := make([]string, 0, len(content)+2)
	rows = append(rows, "┌"+border+"┐")
	for _, c := range content {
		rows = append(rows, "│ "+padRight(c, inner)+" │")
	}
	rows = append(rows, "└"+border+"┘")
	return textBox{rows: rows, width: inner + 4}
}

// sideBySide lays boxes out in one band, top aligned.
func sideBySide(boxes []textBox) []string {
	height := 0
	for _, b := range boxes {
		height = max(height, len(b.rows))
	}
	band := make([]string, height)
	for r := range band {
		parts := make([]string, len(boxes))
		for i, b := range boxes {
			if r < len(b.rows) {
				parts[i] = b.rows[r]
			} else {
				parts[i] = strings.Repeat(" ", b.width)
			}
		}
		band[r] = strings.Join(parts, boxGap)
	}
	return band
}

// writeArrow points from the band above to the next one, under the middle
// of the band's first box.
func writeArrow(sb *strings.Builder, above []string) {
	col := 0
	if len(above) > 0 {
		first, _, _ := strings.Cut(above[0], boxGap)
		col = utf8.RuneCountInString(first) / 2
	}
	indent := strings.Repeat(" ", col)
	sb.WriteString(indent + "│\n")
	sb.WriteString(indent + "▼\n")
}

func padRight(s string, width int) string {
	return s + strings.Repeat(" ", width-utf8.RuneCountInString(s))
}
