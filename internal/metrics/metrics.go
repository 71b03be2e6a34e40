package metrics

import (
	"encoding/json"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/bondoracle/internal/events"
)

// Collector collects and aggregates metrics for the oracle daemon
type Collector struct {
	// Request counts by route
	requestCounts   map[string]*uint64
	requestCountsMu sync.RWMutex

	// Request latencies by route (stored as nanoseconds)
	latencies   map[string]*LatencyHistogram
	latenciesMu sync.RWMutex

	// Websocket subscribers gauge
	activeConnections int64

	// Oracle activity counters, fed from the event bus
	reportsCreated    uint64
	initialReports    uint64
	disputes          uint64
	settlements       uint64
	callbacks         uint64
	callbackFailures  uint64
	ledgerCredits     uint64
	fallbackCredits   uint64
	withdrawals       uint64
	failedWithdrawals uint64

	goroutineCount int64

	// Start time for uptime calculation
	startTime time.Time
}

// LatencyHistogram tracks request latencies in buckets
type LatencyHistogram struct {
	// Buckets: [0-1ms], [1-5ms], [5-10ms], [10-25ms], [25-50ms], [50-100ms], [100-250ms], [250-500ms], [500-1000ms], [1000ms+]
	buckets [10]uint64
	sum     uint64 // nanoseconds
	count   uint64
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

var bucketLabels = []string{
	"0-1ms", "1-5ms", "5-10ms", "10-25ms", "25-50ms",
	"50-100ms", "100-250ms", "250-500ms", "500-1000ms", "1000ms+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestCounts: make(map[string]*uint64),
		latencies:     make(map[string]*LatencyHistogram),
		startTime:     time.Now(),
	}
}

// RecordRequest records a request for the given route
func (c *Collector) RecordRequest(route string) {
	c.requestCountsMu.Lock()
	counter, exists := c.requestCounts[route]
	if !exists {
		var val uint64
		counter = &val
		c.requestCounts[route] = counter
	}
	c.requestCountsMu.Unlock()

	atomic.AddUint64(counter, 1)
}

// RecordLatency records the latency for a request
func (c *Collector) RecordLatency(route string, duration time.Duration) {
	c.latenciesMu.Lock()
	hist, exists := c.latencies[route]
	if !exists {
		hist = &LatencyHistogram{}
		c.latencies[route] = hist
	}
	c.latenciesMu.Unlock()

	hist.Record(duration)
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()
	bucketIdx := len(bucketBoundaries)
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			bucketIdx = i
			break
		}
	}

	h.buckets[bucketIdx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

// IncrementConnections increments the websocket subscriber count
func (c *Collector) IncrementConnections() {
	atomic.AddInt64(&c.activeConnections, 1)
}

// DecrementConnections decrements the websocket subscriber count
func (c *Collector) DecrementConnections() {
	atomic.AddInt64(&c.activeConnections, -1)
}

// GoroutineAlertThreshold is the goroutine count above which the daemon
// logs a leak warning
const GoroutineAlertThreshold = 10000

// UpdateGoroutineCount samples the current goroutine count
func (c *Collector) UpdateGoroutineCount() {
	atomic.StoreInt64(&c.goroutineCount, int64(runtime.NumGoroutine()))
}

// GoroutineCount returns the last sampled goroutine count
func (c *Collector) GoroutineCount() int64 {
	return atomic.LoadInt64(&c.goroutineCount)
}

// CheckGoroutineHealth samples the goroutine count and reports whether it is
// below GoroutineAlertThreshold
func (c *Collector) CheckGoroutineHealth() (int, bool) {
	n := runtime.NumGoroutine()
	atomic.StoreInt64(&c.goroutineCount, int64(n))
	return n, n < GoroutineAlertThreshold
}

// ObserveEvent updates the oracle counters from one engine event
func (c *Collector) ObserveEvent(ev events.Event) {
	switch ev.Type {
	case events.ReportInstanceCreated:
		atomic.AddUint64(&c.reportsCreated, 1)
	case events.InitialReportSubmitted:
		atomic.AddUint64(&c.initialReports, 1)
	case events.ReportDisputed:
		atomic.AddUint64(&c.disputes, 1)
	case events.ReportSettled:
		atomic.AddUint64(&c.settlements, 1)
	case events.SettlementCallbackExecuted:
		atomic.AddUint64(&c.callbacks, 1)
		if data, ok := ev.Data.(events.CallbackData); ok && !data.Result.Success {
			atomic.AddUint64(&c.callbackFailures, 1)
		}
	case events.LedgerCredited:
		atomic.AddUint64(&c.ledgerCredits, 1)
		if data, ok := ev.Data.(events.LedgerData); ok && IsFallbackReason(data.Reason) {
			atomic.AddUint64(&c.fallbackCredits, 1)
		}
	case events.LedgerWithdrawn:
		atomic.AddUint64(&c.withdrawals, 1)
		if data, ok := ev.Data.(events.LedgerData); ok && !data.Delivered {
			atomic.AddUint64(&c.failedWithdrawals, 1)
		}
	}
}

// IsFallbackReason reports whether a ledger credit replaced a failed push
func IsFallbackReason(reason string) bool {
	return reason == "fallback" || reason == "refund"
}

// OracleStats are the oracle activity counters
type OracleStats struct {
	ReportsCreated    uint64 `json:"reports_created"`
	InitialReports    uint64 `json:"initial_reports"`
	Disputes          uint64 `json:"disputes"`
	Settlements       uint64 `json:"settlements"`
	Callbacks         uint64 `json:"callbacks"`
	CallbackFailures  uint64 `json:"callback_failures"`
	LedgerCredits     uint64 `json:"ledger_credits"`
	FallbackCredits   uint64 `json:"fallback_credits"`
	Withdrawals       uint64 `json:"withdrawals"`
	FailedWithdrawals uint64 `json:"failed_withdrawals"`
}

// Metrics represents the current state of all metrics
type Metrics struct {
	Uptime            string                  `json:"uptime"`
	UptimeSeconds     float64                 `json:"uptime_seconds"`
	RequestCounts     map[string]uint64       `json:"request_counts"`
	RequestLatencies  map[string]LatencyStats `json:"request_latencies"`
	ActiveConnections int64                   `json:"active_connections"`
	GoroutineCount    int64                   `json:"goroutine_count"`
	Oracle            OracleStats             `json:"oracle"`
	CollectedAt       time.Time               `json:"collected_at"`
}

// LatencyStats contains latency statistics for a route
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// GetMetrics returns the current metrics as a Metrics struct
func (c *Collector) GetMetrics() *Metrics {
	uptime := time.Since(c.startTime)
	c.UpdateGoroutineCount()

	requestCounts := make(map[string]uint64)
	c.requestCountsMu.RLock()
	for route, counter := range c.requestCounts {
		requestCounts[route] = atomic.LoadUint64(counter)
	}
	c.requestCountsMu.RUnlock()

	latencies := make(map[string]LatencyStats)
	c.latenciesMu.RLock()
	for route, hist := range c.latencies {
		hist.mu.Lock()
		stats := LatencyStats{
			Count:   hist.count,
			SumMs:   float64(hist.sum) / float64(time.Millisecond),
			Buckets: make(map[string]uint64),
		}
		if hist.count > 0 {
			stats.AvgMs = float64(hist.sum) / float64(hist.count) / float64(time.Millisecond)
		}
		for i, count := range hist.buckets {
			if count > 0 {
				stats.Buckets[bucketLabels[i]] = count
			}
		}
		hist.mu.Unlock()
		latencies[route] = stats
	}
	c.latenciesMu.RUnlock()

	return &Metrics{
		Uptime:            uptime.Round(time.Second).String(),
		UptimeSeconds:     uptime.Seconds(),
		RequestCounts:     requestCounts,
		RequestLatencies:  latencies,
		ActiveConnections: atomic.LoadInt64(&c.activeConnections),
		GoroutineCount:    atomic.LoadInt64(&c.goroutineCount),
		Oracle:            c.oracleStats(),
		CollectedAt:       time.Now(),
	}
}

func (c *Collector) oracleStats() OracleStats {
	return OracleStats{
		ReportsCreated:    atomic.LoadUint64(&c.reportsCreated),
		InitialReports:    atomic.LoadUint64(&c.initialReports),
		Disputes:          atomic.LoadUint64(&c.disputes),
		Settlements:       atomic.LoadUint64(&c.settlements),
		Callbacks:         atomic.LoadUint64(&c.callbacks),
		CallbackFailures:  atomic.LoadUint64(&c.callbackFailures),
		LedgerCredits:     atomic.LoadUint64(&c.ledgerCredits),
		FallbackCredits:   atomic.LoadUint64(&c.fallbackCredits),
		Withdrawals:       atomic.LoadUint64(&c.withdrawals),
		FailedWithdrawals: atomic.LoadUint64(&c.failedWithdrawals),
	}
}

// GetMetricsJSON returns the current metrics as JSON
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}

// Reset resets all metrics (useful for testing)
func (c *Collector) Reset() {
	c.requestCountsMu.Lock()
	c.requestCounts = make(map[string]*uint64)
	c.requestCountsMu.Unlock()

	c.latenciesMu.Lock()
	c.latencies = make(map[string]*LatencyHistogram)
	c.latenciesMu.Unlock()

	atomic.StoreInt64(&c.activeConnections, 0)
	atomic.StoreInt64(&c.goroutineCount, 0)
	for _, p := range []*uint64{
		&c.reportsCreated, &c.initialReports, &c.disputes, &c.settlements,
		&c.callbacks, &c.callbackFailures, &c.ledgerCredits, &c.fallbackCredits,
		&c.withdrawals, &c.failedWithdrawals,
	} {
		atomic.StoreUint64(p, 0)
	}
	c.startTime = time.Now()
}
