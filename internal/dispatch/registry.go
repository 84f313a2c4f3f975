package dispatch

import (
	"sort"
	"sync"

	"github.com/nappa85/Pokifications-sub000/internal/model"
)

// Registry holds the current configuration of every known subscriber.
// Entries are replaced whole; a *model.Config read from the registry is
// never modified afterwards.
type Registry struct {
	mu      sync.RWMutex
	configs map[int64]*model.Config
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[int64]*model.Config)}
}

// Config returns the configuration of id.
func (r *Registry) Config(id int64) (*model.Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// Set replaces the configuration of id.
func (r *Registry) Set(id int64, cfg *model.Config) {
	r.mu.Lock()
	r.configs[id] = cfg
	r.mu.Unlock()
}

// Delete forgets id.
func (r *Registry) Delete(id int64) {
	r.mu.Lock()
	delete(r.configs, id)
	r.mu.Unlock()
}

// IDs returns every known subscriber id in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of known subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.configs)
}
