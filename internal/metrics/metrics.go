// Package metrics holds the service counters and the health snapshot built on them.
package metrics

import (
	"sync"
	"sync/atomic"
)

// maxLatencySamples is the number of most recent latency samples kept.
const maxLatencySamples = 1000

// Collector counts connections, messages and errors and keeps recent latency samples.
type Collector struct {
	activeConnections int64
	messagesSent      int64
	messagesReceived  int64
	errors            int64

	mu      sync.Mutex
	latency []float64
}

// Snapshot is the JSON body of GET /metrics.
type Snapshot struct {
	ActiveConnections int64     `json:"activeConnections"`
	MessagesSent      int64     `json:"messagesSent"`
	MessagesReceived  int64     `json:"messagesReceived"`
	Errors            int64     `json:"errors"`
	Latency           []float64 `json:"latency"`
	AverageLatency    float64   `json:"averageLatency"`
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{latency: make([]float64, 0, maxLatencySamples)}
}

// IncrementConnections counts an admitted client connection.
func (c *Collector) IncrementConnections() { atomic.AddInt64(&c.activeConnections, 1) }

// DecrementConnections counts a removed client connection.
func (c *Collector) DecrementConnections() { atomic.AddInt64(&c.activeConnections, -1) }

// IncrementSent counts a tick frame queued to a client.
func (c *Collector) IncrementSent() { atomic.AddInt64(&c.messagesSent, 1) }

// IncrementReceived counts an upstream tick or a client command frame.
func (c *Collector) IncrementReceived() { atomic.AddInt64(&c.messagesReceived, 1) }

// IncrementErrors counts a failure worth surfacing in health.
func (c *Collector) IncrementErrors() { atomic.AddInt64(&c.errors, 1) }

// RecordLatency appends a sample in milliseconds, trimming the oldest beyond the limit.
func (c *Collector) RecordLatency(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latency) == maxLatencySamples {
		copy(c.latency, c.latency[1:])
		c.latency = c.latency[:maxLatencySamples-1]
	}
	c.latency = append(c.latency, ms)
}

// AverageLatency returns the arithmetic mean of the kept samples, 0 without samples.
func (c *Collector) AverageLatency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mean(c.latency)
}

// Errors returns the error counter.
func (c *Collector) Errors() int64 {
	return atomic.LoadInt64(&c.errors)
}

// GetMetrics returns the raw counters and the average latency.
func (c *Collector) GetMetrics() Snapshot {
	c.mu.Lock()
	samples := make([]float64, len(c.latency))
	copy(samples, c.latency)
	c.mu.Unlock()

	return Snapshot{
		ActiveConnections: atomic.LoadInt64(&c.activeConnections),
		MessagesSent:      atomic.LoadInt64(&c.messagesSent),
		MessagesReceived:  atomic.LoadInt64(&c.messagesReceived),
		Errors:            atomic.LoadInt64(&c.errors),
		Latency:           samples,
		AverageLatency:    mean(samples),
	}
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
