// Command noncesim drives a few concrete invalidation scenarios end to
// end against a chosen nonce registry backend: a thin main dispatching
// into per-scenario functions.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	epochcache "github.com/epochcache/epochcache"
	"github.com/epochcache/epochcache/registry"
	"github.com/epochcache/epochcache/registry/memregistry"
	"github.com/epochcache/epochcache/registry/redisregistry"
	flag "github.com/spf13/pflag"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("noncesim", flag.ContinueOnError)
	backend := fs.String("backend", "mem", "registry backend to use: mem or redis")
	redisAddr := fs.String("redis-addr", "127.0.0.1:6379", "redis address, when --backend=redis")
	scenario := fs.String("scenario", "cork-burst", "scenario to run: cork-burst or concurrent-queries")
	concurrency := fs.Int("concurrency", 8, "number of concurrent query goroutines for concurrent-queries")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	reg, err := buildRegistry(*backend, *redisAddr)
	if err != nil {
		logger.Error("failed to build registry", slog.String("error", err.Error()))
		return 1
	}

	switch *scenario {
	case "cork-burst":
		return runCorkBurst(logger, reg)
	case "concurrent-queries":
		return runConcurrentQueries(logger, reg, *concurrency)
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", *scenario)
		return 2
	}
}

func buildRegistry(backend, redisAddr string) (registry.Registry, error) {
	switch backend {
	case "mem":
		return memregistry.New(), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: redisAddr})
		return redisregistry.New(context.Background(), client), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// runCorkBurst drives two caches bound to the same property through a
// cork, a burst of suppressed invalidations, and an uncork.
func runCorkBurst(logger *slog.Logger, reg registry.Registry) int {
	coord := epochcache.NewCoordinator(reg, epochcache.WithCoordinatorLogger(logger))
	const key = "widget.count"

	recomputeA := func(_ context.Context, q string) (int, bool, error) { return 1, true, nil }
	recomputeB := func(_ context.Context, q string) (int, bool, error) { return 2, true, nil }

	a := epochcache.New[string, int](64, key, coord, recomputeA, epochcache.WithLogger[string, int](logger))
	b := epochcache.New[string, int](64, key, coord, recomputeB, epochcache.WithLogger[string, int](logger))

	ctx := context.Background()
	if _, _, err := a.Query(ctx, "x"); err != nil {
		logger.Error("query failed", slog.String("error", err.Error()))
		return 1
	}
	if _, _, err := b.Query(ctx, "x"); err != nil {
		logger.Error("query failed", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("corking", slog.String("key", key))
	if err := coord.Cork(key); err != nil {
		logger.Error("cork failed", slog.String("error", err.Error()))
		return 1
	}

	for i := 0; i < 100; i++ {
		_ = coord.Invalidate(key)
	}
	logger.Info("invalidate burst suppressed while corked", slog.Int("count", 100))

	logger.Info("uncorking", slog.String("key", key))
	if err := coord.Uncork(key); err != nil {
		logger.Error("uncork failed", slog.String("error", err.Error()))
		return 1
	}

	if _, _, err := a.Query(ctx, "x"); err != nil {
		logger.Error("post-uncork query failed", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("cork burst scenario complete")
	return 0
}

// runConcurrentQueries exercises Query under concurrent access with a slow
// recompute, demonstrating that the instance lock is never held across
// the fetch.
func runConcurrentQueries(logger *slog.Logger, reg registry.Registry, concurrency int) int {
	coord := epochcache.NewCoordinator(reg, epochcache.WithCoordinatorLogger(logger))
	const key = "session.table"

	c := epochcache.New[int, time.Time](256, key, coord, func(ctx context.Context, q int) (time.Time, bool, error) {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return time.Time{}, false, ctx.Err()
		}
		return time.Now(), true, nil
	}, epochcache.WithLogger[int, time.Time](logger))

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < concurrency; i++ {
		i := i
		g.Go(func() error {
			_, _, err := c.Query(ctx, i%8)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("concurrent queries failed", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("concurrent queries scenario complete", slog.Int("concurrency", concurrency))
	return 0
}
