// Package memregistry is the in-process NonceRegistry collaborator: a
// single-process, sync.Map-backed stand-in for whatever external registry
// production deployments point at. It is the default for tests and for
// single-process demos (cmd/noncesim's "mem" backend).
package memregistry

import (
	"sync"

	"github.com/epochcache/epochcache/registry"
)

// Registry is an in-memory registry.Registry. The zero value is ready to
// use.
type Registry struct {
	values sync.Map // string -> int64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// GetLong implements registry.Registry.
func (r *Registry) GetLong(name string, def int64) int64 {
	v, ok := r.values.Load(name)
	if !ok {
		return def
	}
	return v.(int64)
}

// Set implements registry.Registry.
func (r *Registry) Set(name string, value int64) error {
	r.values.Store(name, value)
	return nil
}

// Find implements registry.Registry. It returns nil if name has never been
// written.
func (r *Registry) Find(name string) registry.Handle {
	if _, ok := r.values.Load(name); !ok {
		return nil
	}
	return &handle{r: r, name: name}
}

type handle struct {
	r    *Registry
	name string
}

func (h *handle) GetLong() int64 {
	return h.r.GetLong(h.name, int64(0))
}
