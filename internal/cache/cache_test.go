package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/milkywaybrain/tickhub/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(sym string, price float64) storage.MarketTick {
	return storage.MarketTick{Symbol: sym, Price: price, Volume: 1, Timestamp: "2024-03-01T10:00:00Z"}
}

func TestGetTicksArrivalOrderAndBound(t *testing.T) {
	c := New(5, time.Minute)
	for i := 1; i <= 8; i++ {
		c.AddTick("BTCUSDT", tick("BTCUSDT", float64(i)))
	}

	got := c.GetTicks("BTCUSDT")
	require.Len(t, got, 5)
	for i, tk := range got {
		assert.Equal(t, float64(i+4), tk.Price)
	}
}

func TestGetTicksUnknownSymbol(t *testing.T) {
	c := New(5, time.Minute)
	got := c.GetTicks("NOPE")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGetTicksIsSnapshot(t *testing.T) {
	c := New(5, time.Minute)
	c.AddTick("BTCUSDT", tick("BTCUSDT", 1))
	got := c.GetTicks("BTCUSDT")
	c.AddTick("BTCUSDT", tick("BTCUSDT", 2))

	assert.Len(t, got, 1)
	assert.Len(t, c.GetTicks("BTCUSDT"), 2)
}

func TestClearOldData(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c := New(100, 5*time.Minute)
	c.SetClock(func() time.Time { return now })

	c.AddTick("BTCUSDT", tick("BTCUSDT", 1))
	c.AddTick("ETHUSDT", tick("ETHUSDT", 1))
	now = now.Add(3 * time.Minute)
	c.AddTick("BTCUSDT", tick("BTCUSDT", 2))

	now = now.Add(2*time.Minute + time.Second)
	assert.Equal(t, 2, c.ClearOldData())

	got := c.GetTicks("BTCUSDT")
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Price)
	assert.Equal(t, []string{"BTCUSDT"}, c.Symbols())
}

func TestAddTickConcurrent(t *testing.T) {
	c := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		sym := "SYM" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.HandleTick(tick(sym, float64(j)))
				_ = c.GetTicks(sym)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		got := c.GetTicks("SYM" + strconv.Itoa(i))
		require.Len(t, got, 200)
		for j, tk := range got {
			assert.Equal(t, float64(j), tk.Price)
		}
	}
}
