package stackdef

import (
	"slices"
	"sync"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/pkg/schema"
)

// Registry maps activity names to implementations. It is safe for
// concurrent use and satisfies validation.ActivityLookup.
type Registry struct {
	mu         sync.RWMutex
	activities map[string]activity.Activity
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{activities: make(map[string]activity.Activity)}
}

// Register adds activities. Names must be unique.
func (r *Registry) Register(acts ...activity.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range acts {
		name := a.Name()
		if name == "" {
			return schema.NewError(schema.ErrCodeValidation, "activity name is empty")
		}
		if _, exists := r.activities[name]; exists {
			return schema.NewErrorf(schema.ErrCodeConflict, "activity %q already registered", name)
		}
		r.activities[name] = a
	}
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.activities[name]
	return ok
}

func (r *Registry) Get(name string) (activity.Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.activities[name]
	return a, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// candidates resolves names in order.
func (r *Registry) candidates(names []string) ([]*activity.Candidate, error) {
	acts := make([]activity.Activity, 0, len(names))
	for _, name := range names {
		a, ok := r.Get(name)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "activity %q not registered", name)
		}
		acts = append(acts, a)
	}
	return activity.Compile(acts...), nil
}
