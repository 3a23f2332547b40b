package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Endpoint classes tracked by the registry.
const (
	ClassBlobGet         = "blob_get"
	ClassBlobPut         = "blob_put"
	ClassManifestGet     = "manifest_get"
	ClassManifestPut     = "manifest_put"
	ClassProxyHit        = "proxy_hit"
	ClassProxyMiss       = "proxy_miss"
	ClassProxyRevalidate = "proxy_revalidate"
)

// latencyBounds are histogram bucket upper bounds in milliseconds.
var latencyBounds = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

type histogram struct {
	buckets []int64
	count   int64
	sumMs   float64
}

// Registry collects per-endpoint-class counters and latency histograms.
// All methods are nil-safe so instrumentation can be optional.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string]*histogram
	started    time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]int64),
		histograms: make(map[string]*histogram),
		started:    time.Now(),
	}
}

// Inc bumps the counter for a class.
func (r *Registry) Inc(class string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[class]++
}

// Observe records one request with its latency.
func (r *Registry) Observe(class string, elapsed time.Duration) {
	if r == nil {
		return
	}
	ms := float64(elapsed.Microseconds()) / 1000

	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters[class]++

	h, ok := r.histograms[class]
	if !ok {
		h = &histogram{buckets: make([]int64, len(latencyBounds)+1)}
		r.histograms[class] = h
	}
	h.count++
	h.sumMs += ms

	idx := len(latencyBounds)
	for i, bound := range latencyBounds {
		if ms <= bound {
			idx = i
			break
		}
	}
	h.buckets[idx]++
}

// Timer returns a function that records the elapsed time when called.
func (r *Registry) Timer(class string) func() {
	start := time.Now()
	return func() {
		r.Observe(class, time.Since(start))
	}
}

// Snapshot renders the current state as a JSON-friendly document.
func (r *Registry) Snapshot() map[string]interface{} {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := make(map[string]interface{}, len(r.counters))
	for class, count := range r.counters {
		entry := map[string]interface{}{"count": count}
		if h, ok := r.histograms[class]; ok {
			buckets := make(map[string]int64, len(h.buckets))
			for i, bound := range latencyBounds {
				buckets[formatBound(bound)] = h.buckets[i]
			}
			buckets["+Inf"] = h.buckets[len(latencyBounds)]
			entry["latency_ms"] = map[string]interface{}{
				"count":   h.count,
				"sum":     h.sumMs,
				"buckets": buckets,
			}
		}
		endpoints[class] = entry
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(r.started).Seconds()),
		"endpoints":      endpoints,
	}
}

func formatBound(bound float64) string {
	return "le_" + strconv.Itoa(int(bound))
}
