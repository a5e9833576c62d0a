package scraper

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownDriver is returned when a task references a plugin name that was
// never registered.
var ErrUnknownDriver = errors.New("unknown scraper driver")

// Factory builds one plugin instance for one execution.
type Factory func(env *Env) Scraper

// Registry maps driver names to compiled-in plugin constructors.
// Registration happens once at process start (from main); lookups are
// concurrent-safe afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a named constructor. Re-registering a name is a programmer
// error and panics, mirroring http.Handle semantics.
func (r *Registry) Register(name string, f Factory) {
	if name == "" || f == nil {
		panic("scraper: Register with empty name or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("scraper: driver %q registered twice", name))
	}
	r.factories[name] = f
}

// Resolve returns the constructor for a driver name.
func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return f, nil
}

// Names lists registered drivers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
