package store

import (
	"context"

	"github.com/rendis/enact/internal/provenance"
)

// ProvenanceSink persists provenance nodes through a Store. Wrap it in a
// provenance.AsyncSink to keep database latency off the dispatch path.
type ProvenanceSink struct {
	store Store
}

// NewProvenanceSink returns a sink writing to s.
func NewProvenanceSink(s Store) *ProvenanceSink {
	return &ProvenanceSink{store: s}
}

func (p *ProvenanceSink) AddProvenanceItem(ctx context.Context, node *provenance.Node) error {
	return p.store.AppendNode(ctx, node)
}
