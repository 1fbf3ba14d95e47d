// Package monitor tracks in-flight invocations as a tree of observable nodes
// and fans node lifecycle events out to subscribers.
package monitor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChannelBuffer = 64

// Property is a named observable value attached to a monitor node.
type Property struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Sink receives monitor registrations from the dispatch pipeline.
type Sink interface {
	RegisterNode(subject any, path []string, props []Property)
	AddProperties(path []string, props []Property)
	DeregisterNode(path []string)
}

// EventType names a node lifecycle transition.
type EventType string

const (
	EventNodeRegistered   EventType = "node.registered"
	EventNodeProperties   EventType = "node.properties"
	EventNodeDeregistered EventType = "node.deregistered"
)

// Event is published to subscribers on every node lifecycle transition.
type Event struct {
	Type       EventType  `json:"type"`
	Path       string     `json:"path"`
	Subject    string     `json:"subject,omitempty"`
	Properties []Property `json:"properties,omitempty"`
}

// Filter selects which events a subscriber receives.
type Filter struct {
	PathPrefix string      `json:"path_prefix,omitempty"`
	Types      []EventType `json:"types,omitempty"`
}

// Node is a snapshot of one registered node.
type Node struct {
	Path         string         `json:"path"`
	Subject      string         `json:"subject"`
	Properties   map[string]any `json:"properties,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Tree is an in-memory Sink. Publishing never blocks: events for a slow
// subscriber are dropped once its buffer is full.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	subs  map[uint64]*subscriber
	seq   atomic.Uint64
}

// NewTree creates an empty Tree.
func NewTree() *Tree {
	return &Tree{
		nodes: make(map[string]*Node),
		subs:  make(map[uint64]*subscriber),
	}
}

// JoinPath renders path segments the way the tree keys nodes.
func JoinPath(path []string) string {
	return strings.Join(path, ":")
}

func (t *Tree) RegisterNode(subject any, path []string, props []Property) {
	key := JoinPath(path)
	n := &Node{
		Path:         key,
		Subject:      subjectName(subject),
		Properties:   make(map[string]any, len(props)),
		RegisteredAt: time.Now().UTC(),
	}
	for _, p := range props {
		n.Properties[p.Name] = p.Value
	}

	t.mu.Lock()
	t.nodes[key] = n
	t.mu.Unlock()

	t.publish(Event{Type: EventNodeRegistered, Path: key, Subject: n.Subject, Properties: props})
}

func (t *Tree) AddProperties(path []string, props []Property) {
	key := JoinPath(path)
	t.mu.Lock()
	n, ok := t.nodes[key]
	if ok {
		for _, p := range props {
			n.Properties[p.Name] = p.Value
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.publish(Event{Type: EventNodeProperties, Path: key, Subject: n.Subject, Properties: props})
}

func (t *Tree) DeregisterNode(path []string) {
	key := JoinPath(path)
	t.mu.Lock()
	n, ok := t.nodes[key]
	delete(t.nodes, key)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.publish(Event{Type: EventNodeDeregistered, Path: key, Subject: n.Subject})
}

// Lookup returns a copy of the node registered at path.
func (t *Tree) Lookup(path []string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[JoinPath(path)]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Properties = maps.Clone(n.Properties)
	return cp, true
}

// Nodes returns snapshots of all nodes whose path starts with prefix, sorted by path.
func (t *Tree) Nodes(prefix string) []Node {
	t.mu.RLock()
	out := make([]Node, 0, len(t.nodes))
	for key, n := range t.nodes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		cp := *n
		cp.Properties = maps.Clone(n.Properties)
		out = append(out, cp)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b Node) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Subscribe registers a subscriber. The returned func removes it.
func (t *Tree) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := t.seq.Add(1)
	ch := make(chan Event, defaultChannelBuffer)

	t.mu.Lock()
	t.subs[id] = &subscriber{ch: ch, filter: filter}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
	return ch, cancel, nil
}

func (t *Tree) publish(e Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		if !matchFilter(sub.filter, e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

func matchFilter(f Filter, e Event) bool {
	if f.PathPrefix != "" && !strings.HasPrefix(e.Path, f.PathPrefix) {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

func subjectName(subject any) string {
	switch s := subject.(type) {
	case nil:
		return ""
	case interface{ Name() string }:
		return s.Name()
	case fmt.Stringer:
		return s.String()
	case string:
		return s
	default:
		return fmt.Sprintf("%T", subject)
	}
}

// Discard is a Sink that ignores everything.
type Discard struct{}

func (Discard) RegisterNode(any, []string, []Property) {}
func (Discard) AddProperties([]string, []Property)     {}
func (Discard) DeregisterNode([]string)                {}

var (
	_ Sink = (*Tree)(nil)
	_ Sink = Discard{}
)
