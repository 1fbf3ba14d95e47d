package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, proc := range model.Processors {
		for _, sg := range proc.Children {
			b.WriteString(fmt.Sprintf("    subgraph %s[%q]\n", mermaidSafeID(proc.ID), proc.Label))
			for _, node := range sg.Nodes {
				b.WriteString(fmt.Sprintf("        %s\n", mermaidNodeDef(node)))
			}
			for _, edge := range sg.Edges {
				label := ""
				if edge.Label != "" {
					label = fmt.Sprintf("|%s|", edge.Label)
				}
				b.WriteString(fmt.Sprintf("        %s -->%s %s\n",
					mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
			}
			b.WriteString("    end\n")
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef layer fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef activity fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	for _, proc := range model.Processors {
		for _, sg := range proc.Children {
			for _, node := range sg.Nodes {
				b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), node.Kind))
			}
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	switch node.Kind {
	case NodeKindActivity:
		return fmt.Sprintf("%s([%q])", id, node.Label)
	default:
		return fmt.Sprintf("%s[%q]", id, node.Label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Replaces dots and dashes with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}
