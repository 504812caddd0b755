package pool

import (
	"sync"

	"github.com/io-engine/io-engine/pkg/ioerr"
)

// Registry is the process-wide, name-keyed collection of imported pools,
// mirroring pkg/bdev.Registry's pattern one layer up the stack.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

func (r *Registry) Register(p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pools[p.Name]; exists {
		return ioerr.New(ioerr.AlreadyExists, "pool %q already registered", p.Name)
	}
	r.pools[p.Name] = p
	return nil
}

func (r *Registry) Lookup(name string) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "pool %q not found", name)
	}
	return p, nil
}

func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[name]; !ok {
		return ioerr.New(ioerr.NotFound, "pool %q not found", name)
	}
	delete(r.pools, name)
	return nil
}

func (r *Registry) List() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}

var globalRegistry = NewRegistry()

// Global returns the process-wide pool registry.
func Global() *Registry {
	return globalRegistry
}
