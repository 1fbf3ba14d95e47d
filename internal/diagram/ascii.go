package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// RenderASCII renders a DiagramModel as a text diagram: per processor, the
// layer chain top to bottom followed by the candidate activities side by
// side in failover order.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n", model.Title))
	}

	for _, proc := range model.Processors {
		b.WriteString(fmt.Sprintf("\n[%s]\n", proc.Label))
		for _, sg := range proc.Children {
			var candidates []asciiBox
			order := candidateOrder(sg)
			first := true
			for _, node := range sg.Nodes {
				if node.Kind == NodeKindActivity {
					label := node.Label
					if n, ok := order[node.ID]; ok {
						label = n + ". " + label
					}
					candidates = append(candidates, makeBox(label))
					continue
				}
				if !first {
					renderConnector(&b)
				}
				renderBoxRow(&b, []asciiBox{makeBox(node.Label)})
				first = false
			}
			if len(candidates) > 0 {
				if !first {
					renderConnector(&b)
				}
				renderBoxRow(&b, candidates)
			}
		}
	}

	return b.String()
}

// candidateOrder maps activity node IDs to their failover position.
func candidateOrder(sg *SubGraph) map[string]string {
	order := make(map[string]string)
	for _, e := range sg.Edges {
		if e.Label != "" {
			order[e.To] = e.Label
		}
	}
	return order
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox creates an ASCII box around label.
func makeBox(label string) asciiBox {
	n := utf8.RuneCountInString(label)
	width := n + 4 // 2 border + 2 padding

	top := "┌" + strings.Repeat("─", width-2) + "┐"
	mid := "│ " + label + " │"
	bot := "└" + strings.Repeat("─", width-2) + "┘"
	return asciiBox{lines: []string{top, mid, bot}, width: width}
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}
	for row := range boxes[0].lines {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ") // gap between boxes
			}
			b.WriteString(box.lines[row])
		}
		b.WriteByte('\n')
	}
}

// renderConnector draws a vertical connector between rows.
func renderConnector(b *strings.Builder) {
	b.WriteString("   │\n")
	b.WriteString("   ▼\n")
}
