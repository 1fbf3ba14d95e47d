package schema

// Layer types accepted in a stack definition, top to bottom in the default order.
const (
	LayerTypeFailover   = "failover"
	LayerTypeRetry      = "retry"
	LayerTypeStop       = "stop"
	LayerTypeProvenance = "provenance"
	LayerTypeInvoke     = "invoke"
)

// LayerTypes lists every known layer type in default stack order.
var LayerTypes = []string{
	LayerTypeFailover,
	LayerTypeRetry,
	LayerTypeStop,
	LayerTypeProvenance,
	LayerTypeInvoke,
}

// StackDefinition describes the dispatch stacks of a workflow, one per processor.
type StackDefinition struct {
	Version    int                   `json:"version" yaml:"version"`
	WorkflowID string                `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	RunID      *RunIDDefinition      `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Processors []ProcessorDefinition `json:"processors" yaml:"processors"`
}

// RunIDDefinition selects how a Job's run id is read from its reference
// context: a context property or a jq query over the context properties.
// At most one may be set; neither means the "run_id" property.
type RunIDDefinition struct {
	Property string `json:"property,omitempty" yaml:"property,omitempty"`
	Query    string `json:"query,omitempty" yaml:"query,omitempty"`
}

// ProcessorDefinition is the dispatch stack of one workflow step.
// Activities are candidate implementations in failover order. An empty
// Layers list means the default stack.
type ProcessorDefinition struct {
	Name       string            `json:"name" yaml:"name"`
	Activities []string          `json:"activities,omitempty" yaml:"activities,omitempty"`
	Layers     []LayerDefinition `json:"layers,omitempty" yaml:"layers,omitempty"`
}

// LayerDefinition is one layer of a processor stack, highest first.
type LayerDefinition struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}
