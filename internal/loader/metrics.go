package loader

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ringCapacity bounds the load-time sample ring per spec §4.5/§5 ("a
// bounded (≤1,000) ring of load-times for avg/p95/p99").
const ringCapacity = 1000

// Metrics accumulates the loader's totals and a bounded ring of recent
// load times, matching the atomic-counters-plus-occasional-mutex style
// the teacher's own metrics.Metrics uses for its hot-path counters.
type Metrics struct {
	Loads     atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	Retries   atomic.Int64
	Rollbacks atomic.Int64
	CacheHits atomic.Int64
	CacheMiss atomic.Int64

	ringMu   sync.Mutex
	ring     [ringCapacity]int64
	ringNext int
	ringLen  int
}

// NewMetrics constructs an empty Metrics accumulator.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) recordLoadTime(ms int64) {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	m.ring[m.ringNext] = ms
	m.ringNext = (m.ringNext + 1) % ringCapacity
	if m.ringLen < ringCapacity {
		m.ringLen++
	}
}

// LoadTimeSnapshot reports avg/p95/p99 over the current ring contents.
type LoadTimeSnapshot struct {
	Avg float64
	P95 int64
	P99 int64
}

func (m *Metrics) LoadTimes() LoadTimeSnapshot {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	if m.ringLen == 0 {
		return LoadTimeSnapshot{}
	}
	samples := make([]int64, m.ringLen)
	copy(samples, m.ring[:m.ringLen])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum int64
	for _, s := range samples {
		sum += s
	}
	return LoadTimeSnapshot{
		Avg: float64(sum) / float64(len(samples)),
		P95: percentile(samples, 0.95),
		P99: percentile(samples, 0.99),
	}
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Snapshot is the JSON-friendly view of Metrics for the health/metrics
// surface.
type Snapshot struct {
	Loads     int64            `json:"loads"`
	Successes int64            `json:"successes"`
	Failures  int64            `json:"failures"`
	Retries   int64            `json:"retries"`
	Rollbacks int64            `json:"rollbacks"`
	CacheHits int64            `json:"cacheHits"`
	CacheMiss int64            `json:"cacheMisses"`
	LoadTimes LoadTimeSnapshot `json:"loadTimes"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Loads:     m.Loads.Load(),
		Successes: m.Successes.Load(),
		Failures:  m.Failures.Load(),
		Retries:   m.Retries.Load(),
		Rollbacks: m.Rollbacks.Load(),
		CacheHits: m.CacheHits.Load(),
		CacheMiss: m.CacheMiss.Load(),
		LoadTimes: m.LoadTimes(),
	}
}
