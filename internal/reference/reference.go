// Package reference defines the narrow contract the dispatch pipeline needs
// from the data-reference service: opaque handles, the reference context
// carried by every job, and registration of values and empty collections.
package reference

import (
	"context"
	"maps"
)

// Handle is an opaque identifier for a data value held by the reference service.
type Handle string

// Context travels with every job and result. Properties carry whatever the
// enclosing workflow run attached to it (for example the run id).
type Context struct {
	Properties map[string]any
}

// NewContext returns a Context holding a copy of props.
func NewContext(props map[string]any) *Context {
	return &Context{Properties: maps.Clone(props)}
}

// Get returns the named property.
func (c *Context) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.Properties[key]
	return v, ok
}

// Service resolves and registers reference handles.
// Implementations must be safe for concurrent use.
type Service interface {
	// Register stores value as a collection of the given depth and returns its handle.
	Register(ctx context.Context, value any, depth int, rc *Context) (Handle, error)
	// RegisterEmptyList returns a handle to an empty collection of the given depth.
	RegisterEmptyList(ctx context.Context, depth int, rc *Context) (Handle, error)
	// Resolve returns the value behind h.
	Resolve(ctx context.Context, h Handle, rc *Context) (any, error)
}
