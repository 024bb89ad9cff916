package coordinator

import (
	"sync"
)

// Registry holds the running coordinators keyed by connection id
type Registry struct {
	mu     sync.RWMutex
	coords map[string]*Coordinator
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		coords: make(map[string]*Coordinator),
	}
}

// Add registers a coordinator under its connection id
func (r *Registry) Add(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coords[c.Connection().ID] = c
}

// Get returns the coordinator for a connection id, or nil
func (r *Registry) Get(connectionID string) *Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coords[connectionID]
}

// All returns all registered coordinators
func (r *Registry) All() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		all = append(all, c)
	}
	return all
}
