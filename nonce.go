package epochcache

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// Nonce is the 64-bit scalar exchanged through the nonce registry. Every
// value except the two sentinels below is a "live" nonce that identifies
// one epoch of a property's cached state.
type Nonce int64

const (
	// Unset marks an absent or freshly-corked key. Caches bypass entirely.
	Unset Nonce = 0
	// Disabled marks a key that has been administratively turned off.
	// Unlike Unset, invalidate never overwrites it.
	Disabled Nonce = -1
)

// IsLive reports whether n identifies a real epoch, i.e. is neither
// sentinel.
func (n Nonce) IsLive() bool {
	return n != Unset && n != Disabled
}

// nonceGenerator draws process-unique nonces. It is seeded once, lazily,
// from a cryptographically-insignificant random source: only uniqueness
// within this registry session matters, not unpredictability or global
// monotonicity.
type nonceGenerator struct {
	once    sync.Once
	counter atomic.Int64
}

func (g *nonceGenerator) next() Nonce {
	g.once.Do(func() {
		var seed int64
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err == nil {
			seed = int64(binary.LittleEndian.Uint64(buf[:]))
		}
		g.counter.Store(seed)
	})

	for {
		n := Nonce(g.counter.Add(1))
		if n.IsLive() {
			return n
		}
		// Skip the sentinels; happens for at most two consecutive draws.
	}
}
