package reference

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/enact/pkg/schema"
)

type entry struct {
	value any
	depth int
}

// MemoryService is an in-process Service keyed by random handles.
type MemoryService struct {
	mu      sync.RWMutex
	entries map[Handle]entry
}

// NewMemoryService creates an empty MemoryService.
func NewMemoryService() *MemoryService {
	return &MemoryService{entries: make(map[Handle]entry)}
}

func (s *MemoryService) Register(_ context.Context, value any, depth int, _ *Context) (Handle, error) {
	if depth < 0 {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "negative collection depth %d", depth)
	}
	h := Handle("ref:" + uuid.NewString())
	s.mu.Lock()
	s.entries[h] = entry{value: value, depth: depth}
	s.mu.Unlock()
	return h, nil
}

func (s *MemoryService) RegisterEmptyList(ctx context.Context, depth int, rc *Context) (Handle, error) {
	return s.Register(ctx, []any{}, depth, rc)
}

func (s *MemoryService) Resolve(_ context.Context, h Handle, _ *Context) (any, error) {
	s.mu.RLock()
	e, ok := s.entries[h]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "reference %s not found", h)
	}
	return e.value, nil
}

// Depth returns the collection depth h was registered with.
func (s *MemoryService) Depth(h Handle) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[h]
	return e.depth, ok
}

var _ Service = (*MemoryService)(nil)
