// Package monitor tracks execution metrics for the operational API.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall engine performance.
type SystemMetrics struct {
	// Latency histograms
	SubmitLatency *LatencyHistogram
	EvalLatency   *LatencyHistogram
	DBLatency     *LatencyHistogram
	APILatency    *LatencyHistogram

	// Counters
	ticksProcessed  uint64
	triggersFired   uint64
	attemptsStarted uint64
	ordersFilled    uint64
	ordersFailed    uint64
	guardDenials    uint64
	reconciliations uint64
	apiRequests     uint64
	apiErrors       uint64

	lastUpdate time.Time
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		SubmitLatency: NewLatencyHistogram(1000),
		EvalLatency:   NewLatencyHistogram(1000),
		DBLatency:     NewLatencyHistogram(1000),
		APILatency:    NewLatencyHistogram(1000),
		lastUpdate:    time.Now(),
	}
}

// LatencyHistogram tracks latency samples with a sliding window and lazy
// stats computation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when samples
// have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementTicks increments the evaluation tick counter.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementTriggers increments the fired-trigger counter.
func (m *SystemMetrics) IncrementTriggers() {
	atomic.AddUint64(&m.triggersFired, 1)
}

// IncrementAttempts increments the execution attempt counter.
func (m *SystemMetrics) IncrementAttempts() {
	atomic.AddUint64(&m.attemptsStarted, 1)
}

// IncrementFilled increments the filled-order counter.
func (m *SystemMetrics) IncrementFilled() {
	atomic.AddUint64(&m.ordersFilled, 1)
}

// IncrementFailed increments the failed-order counter.
func (m *SystemMetrics) IncrementFailed() {
	atomic.AddUint64(&m.ordersFailed, 1)
}

// IncrementGuardDenials increments the guard-denial counter.
func (m *SystemMetrics) IncrementGuardDenials() {
	atomic.AddUint64(&m.guardDenials, 1)
}

// IncrementReconciliations increments the ambiguous-outcome lookup counter.
func (m *SystemMetrics) IncrementReconciliations() {
	atomic.AddUint64(&m.reconciliations, 1)
}

// IncrementAPI increments the API request counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the API error counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time metrics view.
type MetricsSnapshot struct {
	SubmitLatency   LatencyStats `json:"submit_latency"`
	EvalLatency     LatencyStats `json:"eval_latency"`
	DBLatency       LatencyStats `json:"db_latency"`
	TicksProcessed  uint64       `json:"ticks_processed"`
	TriggersFired   uint64       `json:"triggers_fired"`
	AttemptsStarted uint64       `json:"attempts_started"`
	OrdersFilled    uint64       `json:"orders_filled"`
	OrdersFailed    uint64       `json:"orders_failed"`
	GuardDenials    uint64       `json:"guard_denials"`
	Reconciliations uint64       `json:"reconciliations"`
	APIRequests     uint64       `json:"api_requests"`
	APIErrors       uint64       `json:"api_errors"`
	APILatency      LatencyStats `json:"api_latency"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		SubmitLatency:   m.SubmitLatency.Stats(),
		EvalLatency:     m.EvalLatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		TicksProcessed:  atomic.LoadUint64(&m.ticksProcessed),
		TriggersFired:   atomic.LoadUint64(&m.triggersFired),
		AttemptsStarted: atomic.LoadUint64(&m.attemptsStarted),
		OrdersFilled:    atomic.LoadUint64(&m.ordersFilled),
		OrdersFailed:    atomic.LoadUint64(&m.ordersFailed),
		GuardDenials:    atomic.LoadUint64(&m.guardDenials),
		Reconciliations: atomic.LoadUint64(&m.reconciliations),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		APILatency:      m.APILatency.Stats(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
}

// Timer measures one operation's duration into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
