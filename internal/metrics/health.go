package metrics

import (
	"sync"
	"time"

	"github.com/milkywaybrain/tickhub/internal/config"
)

// Status is the health state of the service.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Health is the JSON body of GET /health.
// Latency is milliseconds since the previous check, uptime is in seconds.
type Health struct {
	Status    Status  `json:"status"`
	Latency   int64   `json:"latency"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

// HealthCheck derives the service status from the collector and the upstream link.
type HealthCheck struct {
	collector  *Collector
	thresholds config.Health
	feedUp     func() bool
	started    time.Time
	now        func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
}

// NewHealthCheck creates a health check. feedUp may be nil.
func NewHealthCheck(collector *Collector, thresholds config.Health, feedUp func() bool) *HealthCheck {
	now := time.Now()
	return &HealthCheck{
		collector:  collector,
		thresholds: thresholds,
		feedUp:     feedUp,
		started:    now,
		now:        time.Now,
		lastCheck:  now,
	}
}

// CheckHealth returns the current health snapshot.
func (h *HealthCheck) CheckHealth() Health {
	now := h.now()

	h.mu.Lock()
	since := now.Sub(h.lastCheck)
	h.lastCheck = now
	h.mu.Unlock()

	feedUp := true
	if h.feedUp != nil {
		feedUp = h.feedUp()
	}

	return Health{
		Status:    Evaluate(h.thresholds, h.collector.AverageLatency(), h.collector.Errors(), feedUp),
		Latency:   since.Milliseconds(),
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Uptime:    now.Sub(h.started).Seconds(),
	}
}

// Evaluate maps the observed values onto a status.
// A zero threshold is disabled, so the zero config always reports healthy.
func Evaluate(th config.Health, avgLatencyMs float64, errors int64, feedUp bool) Status {
	if th.RequireFeed && !feedUp {
		return Unhealthy
	}
	if th.UnhealthyLatencyMs > 0 && avgLatencyMs >= th.UnhealthyLatencyMs {
		return Unhealthy
	}
	if th.UnhealthyErrors > 0 && errors >= th.UnhealthyErrors {
		return Unhealthy
	}
	if th.DegradedLatencyMs > 0 && avgLatencyMs >= th.DegradedLatencyMs {
		return Degraded
	}
	if th.DegradedErrors > 0 && errors >= th.DegradedErrors {
		return Degraded
	}
	return Healthy
}
