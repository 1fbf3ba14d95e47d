// Package activity defines the contract between the dispatch pipeline and the
// pluggable units that perform the real work of a workflow step.
package activity

import (
	"context"
	"encoding/json"
	"maps"
	"sync"

	"github.com/rendis/enact/internal/monitor"
	"github.com/rendis/enact/internal/reference"
	"github.com/rendis/enact/pkg/schema"
)

// Classification of a failure reported by an activity or the pipeline.
type Classification string

const (
	ClassUser          Classification = "user"
	ClassInvocation    Classification = "invocation"
	ClassData          Classification = "data"
	ClassAuthorization Classification = "authorization"
	ClassDataflow      Classification = "dataflow"
)

// Valid reports whether c is one of the known classifications.
func (c Classification) Valid() bool {
	switch c {
	case ClassUser, ClassInvocation, ClassData, ClassAuthorization, ClassDataflow:
		return true
	}
	return false
}

// OutputPort is a declared activity output with its collection depth.
type OutputPort struct {
	Name  string `json:"name" yaml:"name"`
	Depth int    `json:"depth" yaml:"depth"`
}

// Activity is the configurable surface every implementation exposes.
// Input mappings go from processor port to activity port; output mappings
// go from activity port to processor port. Unmapped ports are dropped.
type Activity interface {
	Name() string
	Configure(config json.RawMessage) error
	Configuration() json.RawMessage
	InputMapping() map[string]string
	OutputMapping() map[string]string
	OutputPorts() []OutputPort
}

// Async is an Activity that can be invoked asynchronously. ExecuteAsync must
// return promptly; long work goes through inv.RequestRun and outcomes are
// reported through inv.
type Async interface {
	Activity
	ExecuteAsync(ctx context.Context, inputs map[string]reference.Handle, inv *Invocation)
}

// Monitorable is an Async activity that publishes observable properties for
// the invocation it starts.
type Monitorable interface {
	Async
	ExecuteAsyncWithMonitoring(ctx context.Context, inputs map[string]reference.Handle, inv *Invocation) []monitor.Property
}

// Base holds the mappings and configuration shared by most activities.
// Embed it and add ExecuteAsync.
type Base struct {
	ActivityName string
	Inputs       map[string]string
	Outputs      map[string]string
	Ports        []OutputPort

	mu     sync.RWMutex
	config json.RawMessage
}

func (b *Base) Name() string { return b.ActivityName }

func (b *Base) Configure(config json.RawMessage) error {
	if len(config) > 0 && !json.Valid(config) {
		return schema.NewErrorf(schema.ErrCodeValidation, "activity %s: configuration is not valid JSON", b.ActivityName)
	}
	b.mu.Lock()
	b.config = append(json.RawMessage(nil), config...)
	b.mu.Unlock()
	return nil
}

func (b *Base) Configuration() json.RawMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append(json.RawMessage(nil), b.config...)
}

func (b *Base) InputMapping() map[string]string  { return maps.Clone(b.Inputs) }
func (b *Base) OutputMapping() map[string]string { return maps.Clone(b.Outputs) }
func (b *Base) OutputPorts() []OutputPort        { return append([]OutputPort(nil), b.Ports...) }

// Candidate is an Activity whose capabilities were resolved once, when the
// workflow was compiled into dispatch stacks.
type Candidate struct {
	Activity    Activity
	async       Async
	monitorable Monitorable
}

// NewCandidate resolves the capabilities of a.
func NewCandidate(a Activity) *Candidate {
	c := &Candidate{Activity: a}
	c.async, _ = a.(Async)
	c.monitorable, _ = a.(Monitorable)
	return c
}

// Compile resolves every activity into a Candidate, preserving order.
func Compile(acts ...Activity) []*Candidate {
	out := make([]*Candidate, len(acts))
	for i, a := range acts {
		out[i] = NewCandidate(a)
	}
	return out
}

// Name returns the activity name.
func (c *Candidate) Name() string { return c.Activity.Name() }

// Async returns the asynchronous capability, if present.
func (c *Candidate) Async() (Async, bool) { return c.async, c.async != nil }

// Monitorable returns the monitorable capability, if present.
func (c *Candidate) Monitorable() (Monitorable, bool) {
	return c.monitorable, c.monitorable != nil
}
