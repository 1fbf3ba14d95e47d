package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/pkg/schema"
)

// Event is an immutable entry in the run control log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	RunID string
	Since *time.Time
	Limit int
}

// NodeFilter narrows ListNodes. Zero fields match everything.
type NodeFilter struct {
	Process       string
	ProcessPrefix string
	Processor     string
	Kind          provenance.Kind
	ParentID      string
	Since         *time.Time
	Limit         int
	Offset        int
}

// RunSnapshot is the control state of a run rebuilt from its event log.
type RunSnapshot struct {
	RunID        string          `json:"run_id"`
	State        schema.RunState `json:"state"`
	Events       int             `json:"events"`
	LastSequence int64           `json:"last_sequence"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}
