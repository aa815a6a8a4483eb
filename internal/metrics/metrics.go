// Package metrics exposes atomic counters
// for in-flight count, total requests, errors-by-kind, and total
// duration, plus a Prometheus collector wrapping the same counters so
// a deployment gets a real /metrics endpoint for free (a prior
// go.mod pulls in prometheus/client_golang only indirectly via fiber;
// this is where it gets used for real).
package metrics

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/asynchttp/dam/pkg/asynchttp"
)

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	InFlight       int64
	Total          int64
	ErrorsByKind   map[asynchttp.ErrorType]int64
	TotalDuration  float64 // seconds
	FailedReenqueues int64
}

// Metrics holds the atomic counters described in the
// "Metrics: atomic counters only; total_duration updated via
// compare-and-swap loop" rule.
type Metrics struct {
	inFlight atomic.Int64
	total    atomic.Int64

	mu           sync.RWMutex
	errorsByKind map[asynchttp.ErrorType]*atomic.Int64

	// totalDurationBits stores a float64 seconds value bit-packed into
	// a uint64, updated via a compare-and-swap loop rather than a plain
	// Add (floats have no atomic add).
	totalDurationBits atomic.Uint64

	failedReenqueues atomic.Int64
}

// New returns an empty Metrics.
func New() *Metrics {
	return &Metrics{errorsByKind: make(map[asynchttp.ErrorType]*atomic.Int64)}
}

// RequestStarted increments in-flight and total counters. Call once
// per accepted task, at Processor.Enqueue time.
func (m *Metrics) RequestStarted() {
	m.inFlight.Add(1)
	m.total.Add(1)
}

// RequestFinished decrements in-flight and, for failures, increments
// the errors-by-kind counter for kind. Pass "" for a successful
// completion.
func (m *Metrics) RequestFinished(kind asynchttp.ErrorType, duration float64) {
	m.inFlight.Add(-1)
	if kind != "" {
		m.counterFor(kind).Add(1)
	}
	m.addDuration(duration)
}

// ReenqueueFailed increments the count of shutdown-time re-enqueues
// that failed against the job queue (DESIGN.md Open Question 1).
func (m *Metrics) ReenqueueFailed() {
	m.failedReenqueues.Add(1)
}

func (m *Metrics) counterFor(kind asynchttp.ErrorType) *atomic.Int64 {
	m.mu.RLock()
	c, ok := m.errorsByKind[kind]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.errorsByKind[kind]; ok {
		return c
	}
	c = &atomic.Int64{}
	m.errorsByKind[kind] = c
	return c
}

func (m *Metrics) addDuration(delta float64) {
	for {
		old := m.totalDurationBits.Load()
		oldF := math.Float64frombits(old)
		newF := oldF + delta
		newBits := math.Float64bits(newF)
		if m.totalDurationBits.CompareAndSwap(old, newBits) {
			return
		}
	}
}

// Snapshot returns the current value of every counter.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	errs := make(map[asynchttp.ErrorType]int64, len(m.errorsByKind))
	for k, v := range m.errorsByKind {
		errs[k] = v.Load()
	}
	m.mu.RUnlock()

	return Snapshot{
		InFlight:         m.inFlight.Load(),
		Total:            m.total.Load(),
		ErrorsByKind:     errs,
		TotalDuration:    math.Float64frombits(m.totalDurationBits.Load()),
		FailedReenqueues: m.failedReenqueues.Load(),
	}
}

// Collector adapts Metrics into a prometheus.Collector so the demo
// binary (or any host process) can register it on its own registry.
type Collector struct {
	metrics *Metrics

	inFlightDesc     *prometheus.Desc
	totalDesc        *prometheus.Desc
	errorsDesc       *prometheus.Desc
	durationDesc     *prometheus.Desc
	reenqueueFailDesc *prometheus.Desc
}

// NewCollector wraps m for Prometheus registration.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		metrics:           m,
		inFlightDesc:      prometheus.NewDesc("asynchttp_inflight", "Number of currently in-flight HTTP exchanges.", nil, nil),
		totalDesc:         prometheus.NewDesc("asynchttp_requests_total", "Total number of accepted HTTP requests.", nil, nil),
		errorsDesc:        prometheus.NewDesc("asynchttp_errors_total", "Total number of transport errors by kind.", []string{"error_type"}, nil),
		durationDesc:      prometheus.NewDesc("asynchttp_duration_seconds_total", "Sum of HTTP exchange durations in seconds.", nil, nil),
		reenqueueFailDesc: prometheus.NewDesc("asynchttp_reenqueue_failures_total", "Total number of shutdown-time re-enqueues that failed.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.inFlightDesc
	ch <- c.totalDesc
	ch <- c.errorsDesc
	ch <- c.durationDesc
	ch <- c.reenqueueFailDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, float64(snap.InFlight))
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue, float64(snap.Total))
	ch <- prometheus.MustNewConstMetric(c.durationDesc, prometheus.CounterValue, snap.TotalDuration)
	ch <- prometheus.MustNewConstMetric(c.reenqueueFailDesc, prometheus.CounterValue, float64(snap.FailedReenqueues))

	for kind, count := range snap.ErrorsByKind {
		ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(count), string(kind))
	}
}
