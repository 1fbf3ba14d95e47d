package provenance

import (
	"context"
	"sync"
)

// MemorySink keeps every node in memory, in arrival order.
type MemorySink struct {
	mu    sync.RWMutex
	nodes []*Node
	byID  map[string]*Node
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{byID: make(map[string]*Node)}
}

func (s *MemorySink) AddProvenanceItem(_ context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, node)
	s.byID[node.ID] = node
	return nil
}

// Nodes returns all nodes received so far.
func (s *MemorySink) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Node(nil), s.nodes...)
}

// OfKind returns the nodes of one kind, in arrival order.
func (s *MemorySink) OfKind(kind Kind) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Node
	for _, n := range s.nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Get returns the node with the given id.
func (s *MemorySink) Get(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	return n, ok
}
