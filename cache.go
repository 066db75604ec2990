// Package epochcache implements a property-invalidated LRU cache: a
// client-side memoization primitive for values that are expensive to
// obtain, read far more often than they change, and whose authoritative
// state lives behind a shared nonce that can be bumped to invalidate every
// cache bound to it.
package epochcache

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epochcache/epochcache/internal/boundedmap"
	"github.com/epochcache/epochcache/metrics"
	"golang.org/x/exp/slog"
)

// RecomputeFunc is the owner-supplied authoritative fetch; it may block,
// typically on IPC to whatever holds the real value. ok=false means "no
// value"; such a result is never cached.
type RecomputeFunc[Q comparable, R any] func(ctx context.Context, query Q) (result R, ok bool, err error)

// RefreshAction is the outcome of a RefreshFunc call: an explicit signal
// for whether a cached value is still current, has changed, or should be
// dropped, usable for any Result type rather than relying on pointer or
// reflect-based identity comparison.
type RefreshAction int

const (
	// RefreshKeep means "identity": the cached value is unchanged and the
	// returned value is ignored.
	RefreshKeep RefreshAction = iota
	// RefreshReplace means the cached value should become the returned
	// value.
	RefreshReplace
	// RefreshEvict means the cached entry should be removed; the query
	// resolves to "no value".
	RefreshEvict
)

// RefreshFunc optionally transforms a cached result incrementally instead
// of discarding it outright. The default refresh always returns
// (old, RefreshKeep, nil).
type RefreshFunc[Q comparable, R any] func(ctx context.Context, old R, query Q) (value R, action RefreshAction, err error)

// EqualFunc is the debug equivalence predicate used by VERIFY mode. The
// default is reflect.DeepEqual.
type EqualFunc[R any] func(a, b R) bool

// QueryStringFunc renders a Query for debug logging only.
type QueryStringFunc[Q comparable] func(q Q) string

// Cache is a bounded LRU from Query to Result, plus the nonce consistency
// protocol on Query.
type Cache[Q comparable, R any] struct {
	maxEntries   int
	propertyName string
	cacheName    string

	recompute RecomputeFunc[Q, R]
	refresh   RefreshFunc[Q, R]
	equal     EqualFunc[R]
	queryStr  QueryStringFunc[Q]

	verify      bool
	coordinator *Coordinator
	handle      *nonceHandle
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu            sync.Mutex
	entries       *boundedmap.Map[Q, R]
	lastSeenNonce Nonce

	disabledLocally atomic.Bool
}

// Option configures a Cache at construction time.
type Option[Q comparable, R any] func(*Cache[Q, R])

// WithRefresh installs an incremental refresh hook (default: identity).
func WithRefresh[Q comparable, R any](f RefreshFunc[Q, R]) Option[Q, R] {
	return func(c *Cache[Q, R]) { c.refresh = f }
}

// WithEqual installs the VERIFY-mode equivalence predicate (default:
// reflect.DeepEqual).
func WithEqual[Q comparable, R any](f EqualFunc[R]) Option[Q, R] {
	return func(c *Cache[Q, R]) { c.equal = f }
}

// WithQueryString installs a debug-only Query stringifier.
func WithQueryString[Q comparable, R any](f QueryStringFunc[Q]) Option[Q, R] {
	return func(c *Cache[Q, R]) { c.queryStr = f }
}

// WithCacheName sets the debug/metrics label for this instance (default:
// the property name).
func WithCacheName[Q comparable, R any](name string) Option[Q, R] {
	return func(c *Cache[Q, R]) { c.cacheName = name }
}

// WithVerify turns on VERIFY mode: every non-bypass return value is
// re-checked against a fresh recompute call.
func WithVerify[Q comparable, R any](verify bool) Option[Q, R] {
	return func(c *Cache[Q, R]) { c.verify = verify }
}

// WithLogger attaches structured logging.
func WithLogger[Q comparable, R any](logger *slog.Logger) Option[Q, R] {
	return func(c *Cache[Q, R]) { c.logger = logger }
}

// WithMetrics attaches optional prometheus/DDSketch instrumentation.
func WithMetrics[Q comparable, R any](m *metrics.Metrics) Option[Q, R] {
	return func(c *Cache[Q, R]) { c.metrics = m }
}

// New builds a Cache bound to propertyName, reading and writing nonces
// through coordinator's registry. maxEntries must be positive.
func New[Q comparable, R any](
	maxEntries int,
	propertyName string,
	coordinator *Coordinator,
	recompute RecomputeFunc[Q, R],
	opts ...Option[Q, R],
) *Cache[Q, R] {
	if maxEntries <= 0 {
		panic("epochcache: maxEntries must be positive")
	}
	if coordinator == nil {
		panic("epochcache: coordinator cannot be nil")
	}
	if recompute == nil {
		panic("epochcache: recompute cannot be nil")
	}

	c := &Cache[Q, R]{
		maxEntries:   maxEntries,
		propertyName: propertyName,
		cacheName:    propertyName,
		recompute:    recompute,
		refresh: func(_ context.Context, old R, _ Q) (R, RefreshAction, error) {
			return old, RefreshKeep, nil
		},
		equal:       func(a, b R) bool { return reflect.DeepEqual(a, b) },
		coordinator: coordinator,
		handle:      newNonceHandle(coordinator.Registry(), propertyName),
	}
	// onEvict fires for every entry dropped from entries below: LRU
	// overflow, explicit Remove, and Purge (nonce change, Clear,
	// DisableLocal). c.metrics and c.cacheName are read at call time, so
	// options applied after this point are still honored.
	c.entries = boundedmap.New[Q, R](maxEntries, func(_ Q, _ R) { c.recordEviction() })
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query is the consistency heart of the cache: observe the nonce, check
// entries against it, and recompute when there's no usable cached value.
func (c *Cache[Q, R]) Query(ctx context.Context, query Q) (R, bool, error) {
	var zero R

	n := c.observeNonce()
	for {
		if !n.IsLive() {
			c.recordBypass()
			result, ok, err := c.runRecompute(ctx, query)
			if err != nil {
				return zero, false, err
			}
			return result, ok, nil
		}

		c.mu.Lock()
		var (
			hit    R
			hasHit bool
		)
		if n == c.lastSeenNonce {
			hit, hasHit = c.entries.Get(query)
		} else {
			c.entries.Purge()
			c.lastSeenNonce = n
		}
		c.mu.Unlock()

		if !hasHit {
			return c.onMiss(ctx, query, n)
		}

		refreshed, action, err := c.runRefresh(ctx, hit, query)
		if err != nil {
			return zero, false, err
		}

		if action == RefreshKeep {
			c.recordHit()
			return c.maybeVerify(ctx, query, hit, n)
		}

		// The refresh produced something other than "unchanged": re-read
		// the nonce before trusting it, since refresh ran without a lock
		// and may have observed/produced data from a stale epoch.
		n2 := c.observeNonce()
		if n2 != n {
			n = n2
			continue
		}

		c.mu.Lock()
		if c.lastSeenNonce != n {
			// Someone else moved the epoch while we were refreshing;
			// don't persist anything, re-drive the loop.
			c.mu.Unlock()
			n = c.observeNonce()
			continue
		}
		switch action {
		case RefreshEvict:
			c.entries.Remove(query)
			c.mu.Unlock()
			return zero, false, nil
		default: // RefreshReplace
			c.entries.Add(query, refreshed)
			c.mu.Unlock()
			return c.maybeVerify(ctx, query, refreshed, n)
		}
	}
}

// onMiss runs recompute without the instance lock held; the result is
// only inserted if the nonce observed when the fetch started is still
// current.
func (c *Cache[Q, R]) onMiss(ctx context.Context, query Q, n Nonce) (R, bool, error) {
	var zero R

	fetched, ok, err := c.runRecompute(ctx, query)
	if err != nil {
		return zero, false, err
	}

	c.mu.Lock()
	if c.lastSeenNonce == n && ok {
		c.entries.Add(query, fetched)
	}
	c.mu.Unlock()

	c.recordMiss()
	if !ok {
		return zero, false, nil
	}
	return c.maybeVerify(ctx, query, fetched, n)
}

// maybeVerify runs VERIFY mode when enabled. It never changes the value
// returned to the caller; a mismatch is a fatal programming error.
func (c *Cache[Q, R]) maybeVerify(ctx context.Context, query Q, result R, n Nonce) (R, bool, error) {
	if !c.verify {
		return result, true, nil
	}

	verifyResult, ok, err := c.runRecompute(ctx, query)
	if err != nil || !ok {
		// A transient recompute failure or null fetch during verification
		// is tolerated ("matches anything"), not treated as a mismatch.
		return result, true, nil
	}

	if c.observeNonce() != n {
		// Epoch moved mid-verification; nothing meaningful to compare.
		return result, true, nil
	}

	if !c.equal(result, verifyResult) {
		panic(fmt.Sprintf(
			"epochcache: verification mismatch for %s query %s: cached %v, recomputed %v",
			c.propertyName, c.describeQuery(query), result, verifyResult))
	}
	return result, true, nil
}

// Clear drops every cached entry. disabled_locally and last_seen_nonce are
// preserved.
func (c *Cache[Q, R]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// DisableLocal drops all entries and marks this instance disabled for the
// rest of its lifetime in this process. Idempotent.
func (c *Cache[Q, R]) DisableLocal() {
	if c.disabledLocally.Swap(true) {
		return
	}
	c.mu.Lock()
	c.entries.Purge()
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Info("cache disabled locally", slog.String("property_name", c.propertyName))
	}
}

// IsDisabledLocal reports whether DisableLocal has been called on this
// instance.
func (c *Cache[Q, R]) IsDisabledLocal() bool {
	return c.disabledLocally.Load()
}

// InvalidateCache delegates to the coordinator bound to this cache's
// property name.
func (c *Cache[Q, R]) InvalidateCache() error {
	return c.coordinator.Invalidate(c.propertyName)
}

// DisableSystemWide delegates to the coordinator bound to this cache's
// property name.
func (c *Cache[Q, R]) DisableSystemWide() error {
	return c.coordinator.DisableSystemWide(c.propertyName)
}

// observeNonce forces Disabled when this instance is locally disabled or
// the global kill switch is off; otherwise the nonce handle is read.
func (c *Cache[Q, R]) observeNonce() Nonce {
	if c.disabledLocally.Load() || !Enabled() {
		return Disabled
	}
	return c.handle.read()
}

func (c *Cache[Q, R]) runRecompute(ctx context.Context, query Q) (R, bool, error) {
	start := time.Now()
	result, ok, err := c.recompute(ctx, query)
	if c.metrics != nil {
		c.metrics.ObserveRecompute(time.Since(start))
	}
	return result, ok, err
}

func (c *Cache[Q, R]) runRefresh(ctx context.Context, old R, query Q) (R, RefreshAction, error) {
	return c.refresh(ctx, old, query)
}

func (c *Cache[Q, R]) describeQuery(query Q) string {
	if c.queryStr != nil {
		return c.queryStr(query)
	}
	return fmt.Sprintf("%v", query)
}

func (c *Cache[Q, R]) recordHit() {
	if c.metrics != nil {
		c.metrics.ObserveHit(c.cacheName)
	}
}

func (c *Cache[Q, R]) recordMiss() {
	if c.metrics != nil {
		c.metrics.ObserveMiss(c.cacheName)
	}
}

func (c *Cache[Q, R]) recordBypass() {
	if c.metrics != nil {
		c.metrics.ObserveBypass(c.cacheName)
	}
}

func (c *Cache[Q, R]) recordEviction() {
	if c.metrics != nil {
		c.metrics.ObserveEviction(c.cacheName)
	}
}

// enabled is the global kill switch for every Cache in the process,
// independent of any one property's nonce. Default on.
var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// Enabled reports whether the global ENABLE flag is on.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled flips the global ENABLE flag. Turning it off forces every
// Cache in the process into bypass mode, regardless of its nonce; turning
// it back on does not by itself repopulate anything, it just lets queries
// resume consulting their nonce normally.
func SetEnabled(v bool) {
	enabled.Store(v)
}
