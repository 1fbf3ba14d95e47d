// Package provenance models the dependency graph recorded while a workflow
// runs: processes, processor invocations, iterations, their input and
// output data, errors and the activities that served them.
package provenance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind names the type of a provenance node.
type Kind string

const (
	KindProcess    Kind = "process"
	KindProcessor  Kind = "processor"
	KindIteration  Kind = "iteration"
	KindInputData  Kind = "input_data"
	KindOutputData Kind = "output_data"
	KindError      Kind = "error"
	KindActivity   Kind = "activity"
)

// Node is an immutable provenance item linked to its parent by ParentID.
type Node struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	ParentID  string    `json:"parent_id,omitempty"`
	Process   string    `json:"process"`
	Processor string    `json:"processor,omitempty"`
	Index     []int     `json:"index,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Iteration references.
	ParentIterationID string `json:"parent_iteration_id,omitempty"`
	InputDataID       string `json:"input_data_id,omitempty"`
	ActivityID        string `json:"activity_id,omitempty"`

	// Activity nodes.
	Activity string `json:"activity,omitempty"`

	// Input/output data nodes: port name to reference handle.
	Data map[string]string `json:"data,omitempty"`

	// Error nodes.
	Message string `json:"message,omitempty"`
	Class   string `json:"class,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

// NewNode returns a node of the given kind with a fresh id and timestamp.
func NewNode(kind Kind, parentID, process string) *Node {
	return &Node{
		ID:        uuid.NewString(),
		Kind:      kind,
		ParentID:  parentID,
		Process:   process,
		CreatedAt: time.Now().UTC(),
	}
}

// Sink is a fire-and-forget append of provenance nodes.
// Implementations must be safe for concurrent use.
type Sink interface {
	AddProvenanceItem(ctx context.Context, node *Node) error
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) AddProvenanceItem(context.Context, *Node) error { return nil }
