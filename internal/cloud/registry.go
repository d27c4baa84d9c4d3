package cloud

import (
	"fmt"
	"slices"
)

// Registry routes backend type tags to their Backend.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry registers backends under their Type.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Type()] = b
	}
	return r
}

// Get returns the backend registered for tag.
func (r *Registry) Get(tag string) (Backend, error) {
	b, ok := r.backends[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, tag)
	}
	return b, nil
}

// Types lists the registered tags in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
