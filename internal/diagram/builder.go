package diagram

import (
	"fmt"
	"strconv"

	"github.com/rendis/enact/pkg/schema"
)

// Build constructs a DiagramModel from a stack definition. Processors
// without explicit layers show the default stack.
func Build(def *schema.StackDefinition) (*DiagramModel, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: stack definition is nil")
	}

	model := &DiagramModel{Title: def.WorkflowID}
	for i := range def.Processors {
		pd := &def.Processors[i]
		if pd.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "diagram: processors[%d] has no name", i)
		}
		model.Processors = append(model.Processors, processorNode(pd))
	}
	return model, nil
}

func processorNode(pd *schema.ProcessorDefinition) *Node {
	layers := pd.Layers
	if len(layers) == 0 {
		for _, t := range schema.LayerTypes {
			layers = append(layers, schema.LayerDefinition{Type: t})
		}
	}

	sg := &SubGraph{Label: "layers"}
	var prev, invokeID string
	for _, ld := range layers {
		id := pd.Name + "." + ld.Type
		sg.Nodes = append(sg.Nodes, &Node{ID: id, Label: layerLabel(ld), Kind: NodeKindLayer})
		if prev != "" {
			sg.Edges = append(sg.Edges, Edge{From: prev, To: id})
		}
		if ld.Type == schema.LayerTypeInvoke {
			invokeID = id
		}
		prev = id
	}

	for i, name := range pd.Activities {
		id := pd.Name + ".activity" + strconv.Itoa(i)
		sg.Nodes = append(sg.Nodes, &Node{ID: id, Label: name, Kind: NodeKindActivity})
		if invokeID != "" {
			sg.Edges = append(sg.Edges, Edge{From: invokeID, To: id, Label: strconv.Itoa(i + 1)})
		}
	}

	return &Node{
		ID:       pd.Name,
		Label:    pd.Name,
		Kind:     NodeKindProcessor,
		Children: []*SubGraph{sg},
	}
}

// layerLabel summarises the configuration worth seeing at a glance.
func layerLabel(ld schema.LayerDefinition) string {
	if ld.Type != schema.LayerTypeRetry {
		return ld.Type
	}
	label := ld.Type
	if n, ok := ld.Config["max_retries"]; ok {
		label += fmt.Sprintf(" max=%v", n)
	}
	if d, ok := ld.Config["initial_delay_ms"]; ok {
		label += fmt.Sprintf(" delay=%vms", d)
	}
	if _, ok := ld.Config["retry_if"]; ok {
		label += " if"
	}
	return label
}
