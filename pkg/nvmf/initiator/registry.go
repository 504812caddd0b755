package initiator

import (
	"sync"

	"github.com/io-engine/io-engine/pkg/ioerr"
)

// Registry is the process-wide table of live controllers, keyed by the
// device name the controller was registered under, enforcing uniqueness.
// It mirrors pkg/bdev.Registry and pkg/pool.Registry's pattern one layer
// up the stack.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]*Controller
}

// NewRegistry creates an empty registry. Most callers use the
// process-wide Global() registry; NewRegistry exists for tests that need
// isolation.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]*Controller)}
}

func (r *Registry) Register(c *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.controllers[c.Name]; exists {
		return ioerr.New(ioerr.AlreadyExists, "controller %q already registered", c.Name)
	}
	r.controllers[c.Name] = c
	return nil
}

func (r *Registry) Lookup(name string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[name]
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "controller %q not found", name)
	}
	return c, nil
}

func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.controllers[name]; !ok {
		return ioerr.New(ioerr.NotFound, "controller %q not found", name)
	}
	delete(r.controllers, name)
	return nil
}

func (r *Registry) List() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	return out
}

var globalRegistry = NewRegistry()

// Global returns the process-wide controller registry.
func Global() *Registry {
	return globalRegistry
}
