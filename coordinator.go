package epochcache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/epochcache/epochcache/metrics"
	"github.com/epochcache/epochcache/registry"
	"github.com/epochcache/epochcache/registry/memregistry"
	"golang.org/x/exp/slog"
)

// Coordinator owns a registry of outstanding cork counts per nonce key,
// serializing Invalidate, Cork, Uncork, and DisableSystemWide. Every Cache
// that shares a nonce key must also share the Coordinator bound to that
// key's registry, or cork accounting and the registry they observe would
// diverge.
type Coordinator struct {
	reg registry.Registry
	gen *nonceGenerator

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	corks map[string]int
}

// CoordinatorOption configures a Coordinator at construction time.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger attaches structured logging to cork/uncork/
// invalidate/disable events.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithCoordinatorMetrics attaches a metrics.Metrics to publish the
// outstanding-cork gauge.
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// processNonceGen is shared by every Coordinator in the process.
var processNonceGen nonceGenerator

// NewCoordinator builds a Coordinator writing nonces into reg.
func NewCoordinator(reg registry.Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		reg:   reg,
		gen:   &processNonceGen,
		corks: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry this coordinator writes to, so that a
// Cache built on top of it reads nonces from the same place.
func (c *Coordinator) Registry() registry.Registry {
	return c.reg
}

// Invalidate pushes a fresh live nonce for name, unless name is currently
// corked or administratively disabled.
func (c *Coordinator) Invalidate(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateLocked(name)
}

func (c *Coordinator) invalidateLocked(name string) error {
	if c.corks[name] > 0 {
		return nil
	}
	current := Nonce(c.reg.GetLong(name, int64(Unset)))
	if current == Disabled {
		return nil
	}
	next := c.gen.next()
	if err := c.reg.Set(name, int64(next)); err != nil {
		return fmt.Errorf("epochcache: invalidate %q: %w", name, err)
	}
	c.logDebug("invalidate", name, int64(next))
	return nil
}

// Cork suppresses Invalidate for name until a matching Uncork. The first
// cork on a live nonce forces it to Unset so bound caches bypass while the
// cork is outstanding.
func (c *Coordinator) Cork(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := c.corks[name]
	if count == 0 {
		current := Nonce(c.reg.GetLong(name, int64(Unset)))
		if current.IsLive() {
			if err := c.reg.Set(name, int64(Unset)); err != nil {
				return fmt.Errorf("epochcache: cork %q: %w", name, err)
			}
		}
	}
	c.corks[name] = count + 1
	c.publishCorkGauge(name)
	c.logDebug("cork", name, int64(c.corks[name]))
	return nil
}

// Uncork releases one cork on name. The last matching Uncork publishes a
// fresh live nonce, re-enabling bound caches with a clean epoch. Calling
// Uncork without an outstanding Cork is a programming error and panics:
// cork underflow is fatal and must never be silently ignored.
func (c *Coordinator) Uncork(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, ok := c.corks[name]
	if !ok || count < 1 {
		panic(fmt.Sprintf("epochcache: cork underflow for %q: uncork called without a matching cork", name))
	}

	if count == 1 {
		delete(c.corks, name)
		c.publishCorkGauge(name)
		return c.invalidateLocked(name)
	}
	c.corks[name] = count - 1
	c.publishCorkGauge(name)
	return nil
}

// DisableSystemWide unconditionally writes Disabled for name. It is not
// gated by the cork lock: it is an administrative kill switch and must
// succeed even if cork bookkeeping is in a bad state.
func (c *Coordinator) DisableSystemWide(name string) error {
	if err := c.reg.Set(name, int64(Disabled)); err != nil {
		return fmt.Errorf("epochcache: disable_system_wide %q: %w", name, err)
	}
	c.logDebug("disable_system_wide", name, int64(Disabled))
	return nil
}

func (c *Coordinator) publishCorkGauge(name string) {
	if c.metrics == nil {
		return
	}
	c.metrics.SetCorks(name, c.corks[name])
}

func (c *Coordinator) logDebug(op, name string, value int64) {
	if c.logger == nil {
		return
	}
	c.logger.Debug("coordinator operation",
		slog.String("op", op),
		slog.String("property_name", name),
		slog.Int64("value", value))
}

// defaultCoordinator is the process-wide Coordinator backing the package-level
// Invalidate/Cork/Uncork/DisableSystemWide functions, lazily initialized
// on first use. Production callers should call SetDefaultRegistry once at
// startup before any cache queries happen; absent that, it lazily binds
// to an in-process memregistry.Registry, which is only useful for a
// single-process program.
var (
	defaultCoordinator     atomic.Pointer[Coordinator]
	defaultCoordinatorOnce sync.Once
)

// SetDefaultRegistry points the package-level default Coordinator at reg
// by installing a new Coordinator. Calling it after the default has been
// used replaces that Coordinator, and its outstanding cork counts are not
// carried over.
func SetDefaultRegistry(reg registry.Registry) {
	defaultCoordinator.Store(NewCoordinator(reg))
}

// DefaultCoordinator returns the process-wide default Coordinator,
// constructing it on first use.
func DefaultCoordinator() *Coordinator {
	if p := defaultCoordinator.Load(); p != nil {
		return p
	}
	defaultCoordinatorOnce.Do(func() {
		if defaultCoordinator.Load() == nil {
			defaultCoordinator.Store(NewCoordinator(defaultMemRegistry()))
		}
	})
	return defaultCoordinator.Load()
}

// Invalidate delegates to DefaultCoordinator().Invalidate.
func Invalidate(name string) error { return DefaultCoordinator().Invalidate(name) }

// Cork delegates to DefaultCoordinator().Cork.
func Cork(name string) error { return DefaultCoordinator().Cork(name) }

// Uncork delegates to DefaultCoordinator().Uncork.
func Uncork(name string) error { return DefaultCoordinator().Uncork(name) }

// DisableSystemWide delegates to DefaultCoordinator().DisableSystemWide.
func DisableSystemWide(name string) error { return DefaultCoordinator().DisableSystemWide(name) }

func defaultMemRegistry() registry.Registry {
	return memregistry.New()
}
