package epochcache

import (
	"sync/atomic"

	"github.com/epochcache/epochcache/registry"
)

// nonceHandle is a per-key lazy accessor. It resolves the underlying
// registry handle once and publishes it behind an atomic pointer so the
// hot query path can read the current nonce without taking any lock:
// assignment is a single-word release store, and every reader is an
// acquire load.
type nonceHandle struct {
	reg  registry.Registry
	name string

	resolved atomic.Pointer[registry.Handle]
}

func newNonceHandle(reg registry.Registry, name string) *nonceHandle {
	return &nonceHandle{reg: reg, name: name}
}

// read returns the current nonce for this key, or Unset if the key has
// never appeared in the registry.
func (h *nonceHandle) read() Nonce {
	hp := h.resolved.Load()
	if hp == nil {
		resolved := h.reg.Find(h.name)
		if resolved == nil {
			// Key doesn't exist yet; stay unresolved so a later appearance
			// is picked up on a subsequent read.
			return Unset
		}
		h.resolved.Store(&resolved)
		return Nonce(resolved.GetLong())
	}
	return Nonce((*hp).GetLong())
}
