// Package stackdef turns YAML stack definitions into dispatch stacks, one per
// processor, with every layer configured from the document.
package stackdef

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/internal/dispatch"
	"github.com/rendis/enact/internal/reference"
	"github.com/rendis/enact/internal/validation"
	"github.com/rendis/enact/pkg/schema"
)

// Builder parses, validates and builds stack definitions against a Registry.
type Builder struct {
	registry  *Registry
	validator *validation.StackValidator
}

// NewBuilder creates a Builder resolving activities from reg.
func NewBuilder(reg *Registry) (*Builder, error) {
	if reg == nil {
		reg = NewRegistry()
	}
	v, err := validation.NewStackValidator(reg)
	if err != nil {
		return nil, err
	}
	return &Builder{registry: reg, validator: v}, nil
}

// Load reads and parses the definition at path.
func (b *Builder) Load(path string) (*schema.StackDefinition, *schema.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read stack definition: %w", err)
	}
	return b.Parse(data)
}

// Parse decodes a YAML document and validates it. The raw document is checked
// against the JSON Schema before it is bound, so unknown keys are reported
// with their location. The returned result carries warnings even when the
// definition is valid.
func (b *Builder) Parse(data []byte) (*schema.StackDefinition, *schema.ValidationResult, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "malformed stack definition").WithCause(err)
	}
	if raw == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "stack definition is empty")
	}
	if result := b.validator.ValidateDocument(raw); !result.Valid() {
		return nil, result, result.ToError()
	}

	def := &schema.StackDefinition{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(def); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "decode stack definition").WithCause(err)
	}

	result := b.validator.Validate(def)
	if !result.Valid() {
		return nil, result, result.ToError()
	}
	return def, result, nil
}

// RunIDLookup returns the run id lookup selected by def.
func RunIDLookup(def *schema.StackDefinition) (dispatch.RunIDLookup, error) {
	if def == nil || def.RunID == nil {
		return dispatch.PropertyRunID(dispatch.DefaultRunIDKey), nil
	}
	if def.RunID.Query != "" {
		return dispatch.NewJQRunID(def.RunID.Query)
	}
	if def.RunID.Property != "" {
		return dispatch.PropertyRunID(def.RunID.Property), nil
	}
	return dispatch.PropertyRunID(dispatch.DefaultRunIDKey), nil
}

// Runtime creates a dispatch runtime using the run id lookup of def. opts are
// applied after the lookup and may override it.
func (b *Builder) Runtime(def *schema.StackDefinition, opts ...dispatch.Option) (*dispatch.Runtime, error) {
	lookup, err := RunIDLookup(def)
	if err != nil {
		return nil, err
	}
	return dispatch.NewRuntime(append([]dispatch.Option{dispatch.WithRunIDLookup(lookup)}, opts...)...), nil
}

// Workflow holds the processors built from one definition, all sharing a runtime.
type Workflow struct {
	Definition *schema.StackDefinition
	Runtime    *dispatch.Runtime

	processors map[string]*Processor
	order      []string
}

// Processor is the dispatch stack of one workflow step together with its
// default candidate activities.
type Processor struct {
	Name       string
	Stack      *dispatch.Stack
	Candidates []*activity.Candidate
}

// Build creates one stack per processor. Every stack delivers the events
// leaving its top to sink.
func (b *Builder) Build(ctx context.Context, def *schema.StackDefinition, rt *dispatch.Runtime, sink dispatch.Sink) (*Workflow, error) {
	if err := b.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}

	wf := &Workflow{
		Definition: def,
		Runtime:    rt,
		processors: make(map[string]*Processor, len(def.Processors)),
	}
	for i := range def.Processors {
		pd := &def.Processors[i]

		candidates, err := b.registry.candidates(pd.Activities)
		if err != nil {
			return nil, err
		}
		layers, err := buildLayers(def, pd)
		if err != nil {
			return nil, fmt.Errorf("processor %s: %w", pd.Name, err)
		}
		stack, err := dispatch.NewStack(ctx, pd.Name, rt, sink, layers...)
		if err != nil {
			return nil, err
		}

		wf.processors[pd.Name] = &Processor{Name: pd.Name, Stack: stack, Candidates: candidates}
		wf.order = append(wf.order, pd.Name)
	}
	return wf, nil
}

// Processor returns the processor named name.
func (w *Workflow) Processor(name string) (*Processor, bool) {
	p, ok := w.processors[name]
	return p, ok
}

// Processors returns processors in definition order.
func (w *Workflow) Processors() []*Processor {
	out := make([]*Processor, 0, len(w.order))
	for _, name := range w.order {
		out = append(out, w.processors[name])
	}
	return out
}

// FinishedWith releases per-job state below owner in every processor.
func (w *Workflow) FinishedWith(owner dispatch.ProcessPath) {
	for _, p := range w.processors {
		p.Stack.FinishedWith(owner)
	}
}

// Start registers values with the runtime's reference service and submits
// them as the inputs of a new run of the named processor. The run id is
// stored under the property the workflow's run id lookup reads; a
// query-based lookup must find it in props. The Job's process is
// "<runID>:<processor>".
func (w *Workflow) Start(ctx context.Context, processor, runID string, values, props map[string]any) error {
	p, ok := w.processors[processor]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "processor %q not defined", processor)
	}
	if runID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is required")
	}

	rc := reference.NewContext(props)
	if rc.Properties == nil {
		rc.Properties = make(map[string]any, 1)
	}
	if key := RunIDProperty(w.Definition); key != "" {
		rc.Properties[key] = runID
	}

	data := make(map[string]reference.Handle, len(values))
	for port, v := range values {
		h, err := w.Runtime.References.Register(ctx, v, 0, rc)
		if err != nil {
			return fmt.Errorf("register input %s: %w", port, err)
		}
		data[port] = h
	}

	p.Submit(dispatch.ProcessPath(runID).Push(p.Name), nil, rc, data)
	return nil
}

// RunIDProperty returns the reference context property holding the run id,
// or "" when def selects runs with a query.
func RunIDProperty(def *schema.StackDefinition) string {
	switch {
	case def == nil || def.RunID == nil:
		return dispatch.DefaultRunIDKey
	case def.RunID.Query != "":
		return ""
	case def.RunID.Property != "":
		return def.RunID.Property
	}
	return dispatch.DefaultRunIDKey
}

// Submit sends a Job for this processor using its default candidates.
func (p *Processor) Submit(process dispatch.ProcessPath, index dispatch.Index, rc *reference.Context, data map[string]reference.Handle) {
	p.Stack.ReceiveJob(&dispatch.Job{
		Process:    process,
		Index:      index,
		Context:    rc,
		Data:       data,
		Activities: p.Candidates,
	})
}

func buildLayers(def *schema.StackDefinition, pd *schema.ProcessorDefinition) ([]dispatch.Layer, error) {
	if len(pd.Layers) == 0 {
		layers, err := dispatch.DefaultLayers(dispatch.DefaultRetryConfig())
		if err != nil {
			return nil, err
		}
		for _, l := range layers {
			if p, ok := l.(*dispatch.Provenance); ok {
				if err := p.Configure(dispatch.ProvenanceConfig{WorkflowID: def.WorkflowID}); err != nil {
					return nil, err
				}
			}
		}
		return layers, nil
	}

	layers := make([]dispatch.Layer, 0, len(pd.Layers))
	for i, ld := range pd.Layers {
		l, err := buildLayer(def, ld)
		if err != nil {
			return nil, fmt.Errorf("layers[%d]: %w", i, err)
		}
		layers = append(layers, l)
	}
	return layers, nil
}

func buildLayer(def *schema.StackDefinition, ld schema.LayerDefinition) (dispatch.Layer, error) {
	switch ld.Type {
	case schema.LayerTypeFailover:
		return dispatch.NewFailover(), nil

	case schema.LayerTypeRetry:
		cfg := dispatch.DefaultRetryConfig()
		if err := decodeConfig(ld.Config, &cfg); err != nil {
			return nil, err
		}
		r := dispatch.NewRetry()
		if err := r.Configure(cfg); err != nil {
			return nil, err
		}
		return r, nil

	case schema.LayerTypeStop:
		return dispatch.NewStop(), nil

	case schema.LayerTypeProvenance:
		cfg := dispatch.ProvenanceConfig{WorkflowID: def.WorkflowID}
		if err := decodeConfig(ld.Config, &cfg); err != nil {
			return nil, err
		}
		p := dispatch.NewProvenance()
		if err := p.Configure(cfg); err != nil {
			return nil, err
		}
		return p, nil

	case schema.LayerTypeInvoke:
		var cfg dispatch.InvokeConfig
		if err := decodeConfig(ld.Config, &cfg); err != nil {
			return nil, err
		}
		inv := dispatch.NewInvoke()
		if err := inv.Configure(cfg); err != nil {
			return nil, err
		}
		return inv, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown layer type %q", ld.Type)
}

// decodeConfig overlays cfg with the values present in raw; absent keys keep
// their defaults.
func decodeConfig(raw map[string]any, cfg any) error {
	if len(raw) == 0 {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode layer config").WithCause(err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "decode layer config").WithCause(err)
	}
	return nil
}
