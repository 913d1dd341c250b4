// Package metrics implements the metrics half of observability:
// in-memory counters and latency samples keyed by (host, status) and
// (task_type, status), exported as both Prometheus text format and a
// JSON snapshot.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample is one recorded task outcome.
type Sample struct {
	Host     string
	TaskType string
	Status   string // "success" | "failure"
	Duration time.Duration
	Attempt  int
}

// Collector accumulates task outcome samples and exposes both a
// Prometheus registry and a JSON-friendly snapshot.
type Collector struct {
	registry *prometheus.Registry

	taskTotal    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
	retryTotal   *prometheus.CounterVec
	circuitOpen  *prometheus.GaugeVec

	mu          sync.Mutex
	hostLat     map[string][]float64 // milliseconds, bounded ring per host
	typeCounts  map[string]map[string]int
}

const maxSamplesPerHost = 1000

// NewCollector builds a Collector with its own Prometheus registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		taskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_task_total",
			Help: "Total tasks processed, by host, task_type and status.",
		}, []string{"host", "task_type", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatcher_task_duration_seconds",
			Help:    "Task execution latency by host and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host", "status"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_in_flight_tasks",
			Help: "Current in-flight task count per host.",
		}, []string{"host"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_retry_total",
			Help: "Total retry_scheduled events by host.",
		}, []string{"host"}),
		circuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_circuit_open",
			Help: "1 when a host's circuit is open, 0 otherwise.",
		}, []string{"host"}),
		hostLat:    make(map[string][]float64),
		typeCounts: make(map[string]map[string]int),
	}

	reg.MustRegister(c.taskTotal, c.taskDuration, c.inFlight, c.retryTotal, c.circuitOpen)
	return c
}

// Registry exposes the underlying Prometheus registry for the HTTP handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordOutcome records one completed task attempt's outcome.
func (c *Collector) RecordOutcome(s Sample) {
	c.taskTotal.WithLabelValues(s.Host, s.TaskType, s.Status).Inc()
	c.taskDuration.WithLabelValues(s.Host, s.Status).Observe(s.Duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	ms := float64(s.Duration.Microseconds()) / 1000.0
	samples := c.hostLat[s.Host]
	samples = append(samples, ms)
	if len(samples) > maxSamplesPerHost {
		samples = samples[len(samples)-maxSamplesPerHost:]
	}
	c.hostLat[s.Host] = samples

	if c.typeCounts[s.TaskType] == nil {
		c.typeCounts[s.TaskType] = make(map[string]int)
	}
	c.typeCounts[s.TaskType][s.Status]++
}

// RecordRetryScheduled records one retry_scheduled event for host.
func (c *Collector) RecordRetryScheduled(host string) {
	c.retryTotal.WithLabelValues(host).Inc()
}

// SetInFlight reflects the concurrency controller's current count for host.
func (c *Collector) SetInFlight(host string, count int) {
	c.inFlight.WithLabelValues(host).Set(float64(count))
}

// SetCircuitOpen reflects whether host's circuit is currently open.
func (c *Collector) SetCircuitOpen(host string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	c.circuitOpen.WithLabelValues(host).Set(v)
}

// HostLatency is the percentile summary for one host.
type HostLatency struct {
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
	Count int     `json:"count"`
}

// Snapshot is the JSON-exportable view of the collector, returned by
// the /metrics.json endpoint.
type Snapshot struct {
	Hosts     map[string]HostLatency     `json:"hosts"`
	TaskTypes map[string]map[string]int `json:"task_types"`
}

// Snapshot computes the current JSON snapshot.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	hosts := make(map[string]HostLatency, len(c.hostLat))
	for host, samples := range c.hostLat {
		hosts[host] = percentiles(samples)
	}

	types := make(map[string]map[string]int, len(c.typeCounts))
	for t, counts := range c.typeCounts {
		cp := make(map[string]int, len(counts))
		for k, v := range counts {
			cp[k] = v
		}
		types[t] = cp
	}

	return Snapshot{Hosts: hosts, TaskTypes: types}
}

func percentiles(samples []float64) HostLatency {
	if len(samples) == 0 {
		return HostLatency{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	return HostLatency{
		P50Ms: quantile(sorted, 0.50),
		P95Ms: quantile(sorted, 0.95),
		P99Ms: quantile(sorted, 0.99),
		Count: len(sorted),
	}
}

// quantile computes the nearest-rank percentile over pre-sorted data.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(q * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
