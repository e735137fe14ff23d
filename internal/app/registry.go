package app

import (
	"fmt"
	"sort"
	"sync"
)

// Options is what factories may read when building an app.
type Options struct {
	Blacklist []string
}

// Factory builds one application instance.
type Factory func(opts Options) (App, error)

// Registry maps application names to factories. It replaces discovery by
// module path: every app the router can run is registered up front.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry knows the built-in applications.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(EchoName, func(Options) (App, error) { return NewEcho(), nil })
	r.Register(BlacklistName, func(o Options) (App, error) { return NewBlacklist(o.Blacklist), nil })
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered applications alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Build instantiates names in order. An unknown name is an error.
func (r *Registry) Build(names []string, opts Options) ([]App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apps := make([]App, 0, len(names))
	for _, name := range names {
		f, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown application %q (registered: %v)", name, r.namesLocked())
		}
		a, err := f(opts)
		if err != nil {
			return nil, fmt.Errorf("build application %q: %w", name, err)
		}
		apps = append(apps, a)
	}
	return apps, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
