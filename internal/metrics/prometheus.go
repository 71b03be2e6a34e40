package metrics

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/util"
)

const namespace = "bondoracle"

// PrometheusCollector wraps the existing Collector and mirrors its metrics
// into Prometheus format. Both the JSON output and the Prometheus exposition
// format are served from the same counters.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Oracle activity
	eventCount      *prometheus.CounterVec
	callbackResults *prometheus.CounterVec
	ledgerCredits   *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec

	activeConnections prometheus.Gauge
	goroutineCount    prometheus.Gauge
	uptimeSeconds     prometheus.Gauge
	busDropped        prometheus.Gauge
	panicsRecovered   prometheus.Gauge

	bus *events.Bus

	startTime time.Time

	// Track per-route counters so we can compute deltas from the
	// Collector's cumulative counts.
	lastCounts   map[string]uint64
	lastCountsMu sync.Mutex
}

// NewPrometheusCollector creates a PrometheusCollector that wraps an existing
// Collector. Metrics are registered in a dedicated registry so they do not
// interfere with the default global registry.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	reg := prometheus.NewRegistry()

	p := &PrometheusCollector{
		collector: c,
		registry:  reg,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_count",
			Help:      "Total number of API requests by route.",
		}, []string{"route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "API request latency histogram by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route"}),
		eventCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Oracle events emitted by type.",
		}, []string{"type"}),
		callbackResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_callbacks_total",
			Help:      "Settlement callbacks by outcome.",
		}, []string{"outcome"}),
		ledgerCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Ledger credits by reason.",
		}, []string{"reason"}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_withdrawals_total",
			Help:      "Ledger withdrawals by outcome.",
		}, []string{"outcome"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open event stream subscribers.",
		}),
		goroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_count",
			Help:      "Number of goroutines.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started in seconds.",
		}),
		busDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped",
			Help:      "Event deliveries dropped because a subscriber was full.",
		}),
		panicsRecovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_panics_recovered",
			Help:      "Goroutine panics recovered since start.",
		}),
		startTime:  time.Now(),
		lastCounts: make(map[string]uint64),
	}

	reg.MustRegister(
		p.requestCount,
		p.requestDuration,
		p.eventCount,
		p.callbackResults,
		p.ledgerCredits,
		p.withdrawals,
		p.activeConnections,
		p.goroutineCount,
		p.uptimeSeconds,
		p.busDropped,
		p.panicsRecovered,
	)
	return p
}

// Registry returns the Prometheus registry used by this collector
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// RecordRequest records a request in both the custom Collector and
// the Prometheus counter.
func (p *PrometheusCollector) RecordRequest(route string) {
	p.collector.RecordRequest(route)
	p.lastCountsMu.Lock()
	p.lastCounts[route]++
	p.lastCountsMu.Unlock()
	p.requestCount.WithLabelValues(route).Inc()
}

// RecordLatency records latency in both the custom Collector and
// the Prometheus histogram.
func (p *PrometheusCollector) RecordLatency(route string, duration time.Duration) {
	p.collector.RecordLatency(route, duration)
	p.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// IncrementConnections increments connections in both collectors
func (p *PrometheusCollector) IncrementConnections() {
	p.collector.IncrementConnections()
	p.activeConnections.Inc()
}

// DecrementConnections decrements connections in both collectors
func (p *PrometheusCollector) DecrementConnections() {
	p.collector.DecrementConnections()
	p.activeConnections.Dec()
}

// UpdateGoroutineCount updates the goroutine count in both collectors
func (p *PrometheusCollector) UpdateGoroutineCount() {
	p.collector.UpdateGoroutineCount()
	p.goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// ObserveEvent counts one oracle event in both collectors
func (p *PrometheusCollector) ObserveEvent(ev events.Event) {
	p.collector.ObserveEvent(ev)
	p.eventCount.WithLabelValues(string(ev.Type)).Inc()

	switch data := ev.Data.(type) {
	case events.CallbackData:
		outcome := "success"
		if !data.Result.Success {
			outcome = "failure"
		}
		p.callbackResults.WithLabelValues(outcome).Inc()
	case events.LedgerData:
		switch ev.Type {
		case events.LedgerCredited:
			p.ledgerCredits.WithLabelValues(data.Reason).Inc()
		case events.LedgerWithdrawn:
			outcome := "delivered"
			if !data.Delivered {
				outcome = "failed"
			}
			p.withdrawals.WithLabelValues(outcome).Inc()
		}
	}
}

// Consume feeds every event published on bus into the collector until ctx
// is done. The returned channel is closed once the consumer has stopped.
func (p *PrometheusCollector) Consume(ctx context.Context, bus *events.Bus) <-chan struct{} {
	p.bus = bus
	return events.Consume(ctx, "metrics-consumer", bus.Subscribe(), p.ObserveEvent)
}

// Sync synchronizes the Prometheus gauges with the current state of the
// underlying Collector. Call this periodically or before serving metrics
// to ensure gauges reflect the latest values.
func (p *PrometheusCollector) Sync() {
	m := p.collector.GetMetrics()

	p.activeConnections.Set(float64(m.ActiveConnections))
	p.goroutineCount.Set(float64(m.GoroutineCount))
	p.uptimeSeconds.Set(m.UptimeSeconds)
	p.panicsRecovered.Set(float64(util.RecoveredPanics()))
	if p.bus != nil {
		_, dropped := p.bus.Stats()
		p.busDropped.Set(float64(dropped))
	}

	// Requests recorded on the Collector directly show up as deltas
	p.lastCountsMu.Lock()
	for route, total := range m.RequestCounts {
		prev := p.lastCounts[route]
		if total > prev {
			p.requestCount.WithLabelValues(route).Add(float64(total - prev))
		}
		p.lastCounts[route] = total
	}
	p.lastCountsMu.Unlock()
}

// GetMetrics returns the JSON metrics from the underlying Collector
func (p *PrometheusCollector) GetMetrics() *Metrics {
	return p.collector.GetMetrics()
}

// GetMetricsJSON returns JSON-encoded metrics from the underlying Collector
func (p *PrometheusCollector) GetMetricsJSON() ([]byte, error) {
	return p.collector.GetMetricsJSON()
}

// Collector returns the underlying custom Collector
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// PrometheusHandler returns an http.Handler that serves metrics in the
// Prometheus text exposition format. Gauges are synced before each scrape.
func (p *PrometheusCollector) PrometheusHandler() http.Handler {
	inner := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Sync()
		inner.ServeHTTP(w, r)
	})
}
