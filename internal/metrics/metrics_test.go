package metrics

import (
	"testing"
	"time"

	"github.com/milkywaybrain/tickhub/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMetrics(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 0.0, c.GetMetrics().AverageLatency)

	c.IncrementConnections()
	c.IncrementConnections()
	c.DecrementConnections()
	c.IncrementSent()
	c.IncrementReceived()
	c.IncrementReceived()
	c.IncrementErrors()
	c.RecordLatency(2)
	c.RecordLatency(4)

	m := c.GetMetrics()
	assert.Equal(t, int64(1), m.ActiveConnections)
	assert.Equal(t, int64(1), m.MessagesSent)
	assert.Equal(t, int64(2), m.MessagesReceived)
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, []float64{2, 4}, m.Latency)
	assert.Equal(t, 3.0, m.AverageLatency)
}

func TestRecordLatencyKeepsMostRecent(t *testing.T) {
	c := NewCollector()
	for i := 0; i < maxLatencySamples+10; i++ {
		c.RecordLatency(float64(i))
	}
	m := c.GetMetrics()
	require.Len(t, m.Latency, maxLatencySamples)
	assert.Equal(t, 10.0, m.Latency[0])
	assert.Equal(t, float64(maxLatencySamples+9), m.Latency[maxLatencySamples-1])
}

func TestEvaluate(t *testing.T) {
	var zero config.Health
	assert.Equal(t, Healthy, Evaluate(zero, 1e9, 1e9, false))

	th := config.Health{
		DegradedLatencyMs:  50,
		UnhealthyLatencyMs: 200,
		DegradedErrors:     10,
		UnhealthyErrors:    100,
		RequireFeed:        true,
	}
	assert.Equal(t, Healthy, Evaluate(th, 10, 0, true))
	assert.Equal(t, Degraded, Evaluate(th, 50, 0, true))
	assert.Equal(t, Degraded, Evaluate(th, 10, 10, true))
	assert.Equal(t, Unhealthy, Evaluate(th, 200, 0, true))
	assert.Equal(t, Unhealthy, Evaluate(th, 10, 100, true))
	assert.Equal(t, Unhealthy, Evaluate(th, 10, 0, false))
}

func TestCheckHealth(t *testing.T) {
	c := NewCollector()
	h := NewHealthCheck(c, config.Health{DegradedLatencyMs: 5}, nil)
	start := h.started
	h.now = func() time.Time { return start.Add(1500 * time.Millisecond) }

	got := h.CheckHealth()
	assert.Equal(t, Healthy, got.Status)
	assert.Equal(t, int64(1500), got.Latency)
	assert.Equal(t, 1.5, got.Uptime)

	c.RecordLatency(6)
	h.now = func() time.Time { return start.Add(2 * time.Second) }
	got = h.CheckHealth()
	assert.Equal(t, Degraded, got.Status)
	assert.Equal(t, int64(500), got.Latency)
}
