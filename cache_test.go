package epochcache_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	epochcache "github.com/epochcache/epochcache"
	"github.com/epochcache/epochcache/metrics"
	"github.com/epochcache/epochcache/registry/memregistry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func evictionCount(t *testing.T, reg *prometheus.Registry, cacheName string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "epochcache_evictions_total" {
			continue
		}
		for _, m := range fam.Metric {
			for _, lp := range m.Label {
				if lp.GetName() == "cache_name" && lp.GetValue() == cacheName && m.Counter != nil {
					return m.Counter.GetValue()
				}
			}
		}
	}
	return 0
}

func countingRecompute(calls *atomic.Int64, answer string) epochcache.RecomputeFunc[int, string] {
	return func(_ context.Context, query int) (string, bool, error) {
		calls.Add(1)
		return answer, true, nil
	}
}

func newTestCache(t *testing.T, reg *memregistry.Registry, name string, calls *atomic.Int64) *epochcache.Cache[int, string] {
	t.Helper()
	coord := epochcache.NewCoordinator(reg)
	return epochcache.New[int, string](4, name, coord, countingRecompute(calls, "a"))
}

// S1: basic hit/miss.
func TestQuery_BasicHitMiss(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))

	var calls atomic.Int64
	c := newTestCache(t, reg, "k", &calls)

	v, ok, err := c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", v)
	require.EqualValues(t, 1, calls.Load())

	v, ok, err = c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", v)
	require.EqualValues(t, 1, calls.Load(), "second query for the same key must be a cache hit")

	_, _, err = c.Query(context.Background(), 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load(), "a different query key must miss")
}

// S2: invalidation.
func TestQuery_Invalidation(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))

	var calls atomic.Int64
	coord := epochcache.NewCoordinator(reg)
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		calls.Add(1)
		return "a", true, nil
	})

	_, _, err := c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	require.NoError(t, coord.Invalidate("k"))

	_, _, err = c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load(), "invalidate must force a fresh recompute")
}

// S3: disable_system_wide.
func TestQuery_DisableSystemWide(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))

	var calls atomic.Int64
	coord := epochcache.NewCoordinator(reg)
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		calls.Add(1)
		return "a", true, nil
	})

	require.NoError(t, coord.DisableSystemWide("k"))

	for i := 0; i < 3; i++ {
		_, _, err := c.Query(context.Background(), i)
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, calls.Load(), "every query must bypass and recompute while disabled")

	require.NoError(t, coord.Invalidate("k"), "invalidate on a disabled key is a no-op, not an error")
	require.EqualValues(t, int64(epochcache.Disabled), reg.GetLong("k", 0), "invalidate must not re-enable a disabled key")
}

// S4: cork burst across two caches sharing one coordinator.
func TestCork_SuppressesInvalidationAcrossCaches(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	var callsA, callsB atomic.Int64
	a := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		callsA.Add(1)
		return "a", true, nil
	})
	b := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		callsB.Add(1)
		return "b", true, nil
	})

	_, _, err := a.Query(context.Background(), 1)
	require.NoError(t, err)
	_, _, err = b.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, callsA.Load())
	require.EqualValues(t, 1, callsB.Load())

	require.NoError(t, coord.Cork("k"))
	require.EqualValues(t, 0, reg.GetLong("k", -99), "corking a live nonce must force it to Unset")

	for i := 0; i < 100; i++ {
		require.NoError(t, coord.Invalidate("k"))
	}
	require.EqualValues(t, 0, reg.GetLong("k", -99), "invalidate must stay a no-op for the whole cork burst")

	_, _, err = a.Query(context.Background(), 1)
	require.NoError(t, err)
	_, _, err = b.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, callsA.Load(), "corked caches must bypass")
	require.EqualValues(t, 2, callsB.Load())

	require.NoError(t, coord.Uncork("k"))
	fresh := reg.GetLong("k", -99)
	require.NotEqual(t, int64(epochcache.Unset), fresh)
	require.NotEqual(t, int64(epochcache.Disabled), fresh)
	require.NotEqual(t, int64(7), fresh, "uncork must publish a nonce distinct from the pre-cork value")

	_, _, err = a.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 3, callsA.Load(), "the post-uncork query must see a clean epoch and refetch")
}

// S6: LRU eviction.
func TestQuery_LRUEviction(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))

	var calls atomic.Int64
	coord := epochcache.NewCoordinator(reg)
	c := epochcache.New[int, string](2, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		calls.Add(1)
		return "v", true, nil
	})

	ctx := context.Background()
	_, _, err := c.Query(ctx, 1)
	require.NoError(t, err)
	_, _, err = c.Query(ctx, 2)
	require.NoError(t, err)
	_, _, err = c.Query(ctx, 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())

	_, _, err = c.Query(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 4, calls.Load(), "query 1 must have been evicted by the max=2 capacity")
}

// Invariant 8.2: bypass never touches entries.
func TestQuery_BypassWhenUnset(t *testing.T) {
	reg := memregistry.New() // "k" never written: stays Unset.

	var calls atomic.Int64
	coord := epochcache.NewCoordinator(reg)
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		calls.Add(1)
		return "a", true, nil
	})

	for i := 0; i < 3; i++ {
		_, _, err := c.Query(context.Background(), 1)
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, calls.Load(), "each query against an Unset key must recompute")
}

// Invariant 8.4: idempotent local disable, and that a later invalidate
// does not re-enable the instance.
func TestDisableLocal_Idempotent(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	var calls atomic.Int64
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		calls.Add(1)
		return "a", true, nil
	})

	c.DisableLocal()
	c.DisableLocal()
	require.True(t, c.IsDisabledLocal())

	require.NoError(t, coord.Invalidate("k"))
	_, _, err := c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, c.IsDisabledLocal(), "invalidate must not re-enable a locally-disabled instance")
}

// Recompute errors propagate and leave the cache unchanged.
func TestQuery_RecomputeErrorPropagates(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	wantErr := errBoom
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		return "", false, wantErr
	})

	_, ok, err := c.Query(context.Background(), 1)
	require.ErrorIs(t, err, wantErr)
	require.False(t, ok)
}

// Refresh identity shortcut: when refresh always keeps, the second query is
// served from entries after one refresh call and no second recompute.
func TestQuery_RefreshKeepReturnsCachedValue(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	var recomputeCalls, refreshCalls atomic.Int64
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		recomputeCalls.Add(1)
		return "a", true, nil
	}, epochcache.WithRefresh[int, string](func(_ context.Context, old string, _ int) (string, epochcache.RefreshAction, error) {
		refreshCalls.Add(1)
		return old, epochcache.RefreshKeep, nil
	}))

	_, _, err := c.Query(context.Background(), 1)
	require.NoError(t, err)
	_, _, err = c.Query(context.Background(), 1)
	require.NoError(t, err)

	require.EqualValues(t, 1, recomputeCalls.Load())
	require.EqualValues(t, 1, refreshCalls.Load())
}

// Refresh eviction: refresh signaling RefreshEvict removes the entry.
func TestQuery_RefreshEvict(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	var recomputeCalls atomic.Int64
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		recomputeCalls.Add(1)
		return "a", true, nil
	}, epochcache.WithRefresh[int, string](func(_ context.Context, old string, _ int) (string, epochcache.RefreshAction, error) {
		return "", epochcache.RefreshEvict, nil
	}))

	v, ok, err := c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", v)

	v, ok, err = c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, ok, "a refresh that evicts must resolve the query to no value")
	require.Empty(t, v)

	_, _, err = c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, recomputeCalls.Load(), "the evicted entry must require a fresh recompute next time")
}

// Cache-level delegation to the coordinator.
func TestCache_InvalidateAndDisableDelegation(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	var calls atomic.Int64
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		calls.Add(1)
		return "a", true, nil
	})

	_, _, err := c.Query(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, c.InvalidateCache())
	_, _, err = c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())

	require.NoError(t, c.DisableSystemWide())
	require.EqualValues(t, int64(epochcache.Disabled), reg.GetLong("k", 0))
}

// Eviction instrumentation must actually fire from LRU overflow and Purge
// (Clear), not just from a direct call.
func TestQuery_EvictionMetricFiresFromRealPaths(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	promReg := prometheus.NewRegistry()
	m, err := metrics.New(promReg)
	require.NoError(t, err)

	c := epochcache.New[int, string](2, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		return "v", true, nil
	}, epochcache.WithMetrics[int, string](m))

	ctx := context.Background()
	_, _, err = c.Query(ctx, 1)
	require.NoError(t, err)
	_, _, err = c.Query(ctx, 2)
	require.NoError(t, err)
	require.EqualValues(t, 0, evictionCount(t, promReg, "k"))

	_, _, err = c.Query(ctx, 3) // overflow: evicts query 1
	require.NoError(t, err)
	require.EqualValues(t, 1, evictionCount(t, promReg, "k"), "LRU overflow must record an eviction")

	c.Clear()
	require.EqualValues(t, 3, evictionCount(t, promReg, "k"), "Clear must record an eviction per purged entry")
}

// VERIFY mode must pass silently when recompute agrees with the cached
// value, and must exercise the installed equality predicate to do so.
func TestQuery_VerifyPassesOnMatch(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	var equalCalls atomic.Int64
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		return "a", true, nil
	},
		epochcache.WithVerify[int, string](true),
		epochcache.WithEqual[int, string](func(a, b string) bool {
			equalCalls.Add(1)
			return a == b
		}),
	)

	v, ok, err := c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", v)
	require.Greater(t, equalCalls.Load(), int64(0), "VERIFY mode must exercise the equality predicate")
}

// A VERIFY-mode mismatch between the cached value and a fresh recompute is
// a fatal programming error and must panic.
func TestQuery_VerifyPanicsOnMismatch(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	var n atomic.Int64
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		// Returns a different value on every call, so any re-verification
		// after the first cached insert disagrees with it.
		return fmt.Sprintf("v%d", n.Add(1)), true, nil
	}, epochcache.WithVerify[int, string](true))

	require.Panics(t, func() {
		_, _, _ = c.Query(context.Background(), 1)
	})
}

// The global kill switch forces bypass for every cache regardless of any
// one key's nonce state.
func TestQuery_GlobalDisableForcesBypass(t *testing.T) {
	reg := memregistry.New()
	require.NoError(t, reg.Set("k", 7))
	coord := epochcache.NewCoordinator(reg)

	var calls atomic.Int64
	c := epochcache.New[int, string](4, "k", coord, func(_ context.Context, q int) (string, bool, error) {
		calls.Add(1)
		return "a", true, nil
	})

	_, _, err := c.Query(context.Background(), 1)
	require.NoError(t, err)
	_, _, err = c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load(), "second query must still hit before the global flag is touched")

	epochcache.SetEnabled(false)
	defer epochcache.SetEnabled(true)

	_, _, err = c.Query(context.Background(), 1)
	require.NoError(t, err)
	_, _, err = c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load(), "every query must bypass while the global flag is off, live nonce notwithstanding")

	epochcache.SetEnabled(true)
	_, _, err = c.Query(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load(), "re-enabling must let the untouched cache entry serve a hit again")
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
