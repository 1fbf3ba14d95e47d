// Package diagram renders dispatch stack definitions as Mermaid flowcharts
// and plain-text diagrams.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindProcessor NodeKind = "processor"
	NodeKindLayer     NodeKind = "layer"
	NodeKindActivity  NodeKind = "activity"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title      string
	Processors []*Node
}

// Node is a processor, one of its layers or one of its candidate activities.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Children []*SubGraph // processors only
}

// SubGraph holds the layer chain and candidates of a processor.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// Edge connects two nodes. Candidate edges are labelled with their failover
// position.
type Edge struct {
	From  string
	To    string
	Label string
}
