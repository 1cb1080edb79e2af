// Package metrics maintains a rolling view of per (provider, model)
// runtime health used by the router's scoring factors: P95 latency,
// error rate, and current in-flight load.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// sampleWindowSize bounds how many recent latency samples are kept per
// key before P95 is computed; mirrors the teacher's QPSCounter's fixed
// ring-buffer sizing philosophy in llm/health_monitor.go.
const sampleWindowSize = 128

type key struct {
	provider string
	model    string
}

type entry struct {
	mu        sync.Mutex
	latencies []time.Duration // ring buffer, most recent sampleWindowSize
	next      int
	filled    int
	successes int64
	failures  int64
	inFlight  int64
}

func newEntry() *entry {
	return &entry{latencies: make([]time.Duration, sampleWindowSize)}
}

func (e *entry) recordLatency(d time.Duration) {
	e.latencies[e.next] = d
	e.next = (e.next + 1) % sampleWindowSize
	if e.filled < sampleWindowSize {
		e.filled++
	}
}

func (e *entry) p95() time.Duration {
	if e.filled == 0 {
		return 0
	}
	sorted := make([]time.Duration, e.filled)
	copy(sorted, e.latencies[:e.filled])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(e.filled) * 0.95)
	if idx >= e.filled {
		idx = e.filled - 1
	}
	return sorted[idx]
}

func (e *entry) errorRate() float64 {
	total := e.successes + e.failures
	if total == 0 {
		return 0
	}
	return float64(e.failures) / float64(total)
}

// Snapshot is a point-in-time read of one (provider, model)'s metrics.
type Snapshot struct {
	P95Latency time.Duration
	ErrorRate  float64
	InFlight   int64
	Samples    int
}

// Cache is a thread-safe in-memory runtime metrics store. It does not
// persist across restarts - the router treats a cold cache (no
// Snapshot) as neutral (no latency/error penalty) rather than failing.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]*entry

	latencyHist *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec
	loadGauge   *prometheus.GaugeVec
}

// NewCache creates an empty metrics cache, optionally registering
// Prometheus collectors against reg (pass nil to skip Prometheus
// export, e.g. in unit tests).
func NewCache(reg prometheus.Registerer) *Cache {
	c := &Cache{
		entries: make(map[key]*entry),
		latencyHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_latency_seconds",
			Help:    "Observed provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Provider call outcomes.",
		}, []string{"provider", "model", "outcome"}),
		loadGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_in_flight",
			Help: "In-flight requests per provider/model.",
		}, []string{"provider", "model"}),
	}
	if reg != nil {
		reg.MustRegister(c.latencyHist, c.errorsTotal, c.loadGauge)
	}
	return c
}

func (c *Cache) get(provider, model string) *entry {
	k := key{provider: provider, model: model}

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		return e
	}
	e = newEntry()
	c.entries[k] = e
	return e
}

// RecordStart marks the beginning of a call, bumping the in-flight
// gauge; the returned func must be invoked with the outcome once the
// call finishes.
func (c *Cache) RecordStart(provider, model string) func(success bool, latency time.Duration) {
	e := c.get(provider, model)
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
	c.loadGauge.WithLabelValues(provider, model).Inc()

	return func(success bool, latency time.Duration) {
		e.mu.Lock()
		e.inFlight--
		e.recordLatency(latency)
		if success {
			e.successes++
		} else {
			e.failures++
		}
		e.mu.Unlock()

		c.loadGauge.WithLabelValues(provider, model).Dec()
		c.latencyHist.WithLabelValues(provider, model).Observe(latency.Seconds())
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		c.errorsTotal.WithLabelValues(provider, model, outcome).Inc()
	}
}

// Snapshot returns the current metrics for (provider, model). ok is
// false when nothing has been recorded yet.
func (c *Cache) Snapshot(provider, model string) (Snapshot, bool) {
	k := key{provider: provider, model: model}
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		P95Latency: e.p95(),
		ErrorRate:  e.errorRate(),
		InFlight:   e.inFlight,
		Samples:    e.filled,
	}, true
}
