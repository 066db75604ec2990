// Package registry defines the nonce registry contract: a process-external
// map from string keys to 64-bit nonces, readable by every cache bound to
// a key and written by whatever process holds the truth those caches
// memoize.
//
// The core (package epochcache) depends only on this interface. Concrete
// collaborators live in the sibling packages memregistry, redisregistry,
// and jsonsnapshot.
package registry

import "strconv"

// Handle is a resolved accessor for one key. Resolving a key once and
// reusing the handle lets a caller avoid re-hashing the name on every read.
type Handle interface {
	// GetLong returns the key's current value, or epochcache.Unset if it
	// cannot be read or decoded.
	GetLong() int64
}

// Registry is the full NonceRegistry contract.
type Registry interface {
	// GetLong returns the current value for name, or def if the key is
	// absent.
	GetLong(name string, def int64) int64

	// Set overwrites the value for name. Implementations typically
	// serialize concurrent writers globally.
	Set(name string, value int64) error

	// Find resolves name once. It returns nil if the key does not yet
	// exist, so that callers can retry later and pick up the key's first
	// appearance.
	Find(name string) Handle
}

// FormatValue renders a nonce the way the wire contract requires: a base-10
// decimal string. "0" and "-1" are reserved for Unset and Disabled.
func FormatValue(v int64) string {
	return strconv.FormatInt(v, 10)
}

// ParseValue is the inverse of FormatValue. An unparsable string decodes to
// def rather than an error, since a registry value is never allowed to
// wedge a reader.
func ParseValue(s string, def int64) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
