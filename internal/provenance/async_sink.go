package provenance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultAsyncBuffer = 1024

// AsyncSink decouples the pipeline from a slow or failing backend. Nodes are
// queued on a bounded buffer and written by one goroutine; when the buffer is
// full the node is dropped and counted. Backend errors are logged, never
// returned.
type AsyncSink struct {
	next   Sink
	logger *slog.Logger
	queue  chan *Node

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncSink starts the writer goroutine. buffer <= 0 selects a default.
func NewAsyncSink(next Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &AsyncSink{
		next:   next,
		logger: logger,
		queue:  make(chan *Node, buffer),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) AddProvenanceItem(_ context.Context, node *Node) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return nil
	}
	select {
	case s.queue <- node:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("provenance buffer full, dropping nodes", slog.Int("buffer", cap(s.queue)))
		}
	}
	return nil
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for node := range s.queue {
		if err := s.next.AddProvenanceItem(context.Background(), node); err != nil {
			s.failed.Add(1)
			s.logger.Error("provenance write failed",
				slog.String("node_id", node.ID),
				slog.String("kind", string(node.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close flushes queued nodes and stops the writer.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

// Dropped returns how many nodes were discarded.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Failed returns how many writes the backend rejected.
func (s *AsyncSink) Failed() int64 { return s.failed.Load() }
