package store

import (
	"context"
	"time"

	"github.com/rendis/enact/internal/provenance"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Provenance (immutable nodes)
	AppendNode(ctx context.Context, node *provenance.Node) error
	GetNode(ctx context.Context, id string) (*provenance.Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*provenance.Node, error)
	PruneNodes(ctx context.Context, before time.Time) (int64, error)

	// Run control log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
