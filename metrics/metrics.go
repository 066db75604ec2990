// Package metrics is the optional observability layer for a Cache:
// prometheus counters for query outcomes (hit, miss, bypass, eviction),
// plus a DDSketch distribution of recompute latency. Nothing in package
// epochcache requires this to be wired up; Cache accepts a *Metrics via a
// functional option and treats a nil one as "don't instrument".
package metrics

import (
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments one or more epochcache.Cache instances sharing a
// cache_name label.
type Metrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	bypasses  *prometheus.CounterVec
	evictions *prometheus.CounterVec
	corks     *prometheus.GaugeVec

	recomputeLatency *ddsketch.DDSketch
}

// New builds a Metrics and registers its collectors with reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from the default
// global registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epochcache_hits_total",
			Help: "Queries satisfied from entries without calling recompute.",
		}, []string{"cache_name"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epochcache_misses_total",
			Help: "Queries that called recompute because of a cache miss.",
		}, []string{"cache_name"}),
		bypasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epochcache_bypasses_total",
			Help: "Queries that bypassed entries because the nonce was Unset, Disabled, or the instance was locally disabled.",
		}, []string{"cache_name"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epochcache_evictions_total",
			Help: "Entries dropped by LRU overflow, nonce change, or explicit clear/disable.",
		}, []string{"cache_name"}),
		corks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "epochcache_corks",
			Help: "Outstanding cork count per nonce key.",
		}, []string{"property_name"}),
		recomputeLatency: sketch,
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.bypasses, m.evictions, m.corks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveHit(cacheName string)     { m.hits.WithLabelValues(cacheName).Inc() }
func (m *Metrics) ObserveMiss(cacheName string)    { m.misses.WithLabelValues(cacheName).Inc() }
func (m *Metrics) ObserveBypass(cacheName string)  { m.bypasses.WithLabelValues(cacheName).Inc() }
func (m *Metrics) ObserveEviction(cacheName string) { m.evictions.WithLabelValues(cacheName).Inc() }

// SetCorks publishes the current outstanding-cork count for name.
func (m *Metrics) SetCorks(name string, count int) {
	m.corks.WithLabelValues(name).Set(float64(count))
}

// ObserveRecompute records how long one recompute call took.
func (m *Metrics) ObserveRecompute(d time.Duration) {
	// A sketch add can only fail on a negative value; recompute latency
	// never is one.
	_ = m.recomputeLatency.Add(d.Seconds())
}

// RecomputeQuantile returns the q-th quantile (0 <= q <= 1) of observed
// recompute latencies, in seconds.
func (m *Metrics) RecomputeQuantile(q float64) (float64, error) {
	return m.recomputeLatency.GetValueAtQuantile(q)
}
