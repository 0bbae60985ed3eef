package feed

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before reconnect attempt n (0 based).
// The ceiling is base * 2^n capped at max; the result is drawn from [ceiling/2, ceiling]
// so concurrent clients do not reconnect in lockstep.
func Backoff(n int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if n < 0 {
		n = 0
	}

	ceiling := max
	// 2^30 * base is beyond any sane max, avoid overflowing the shift.
	if n < 30 {
		if d := base * time.Duration(1<<uint(n)); d > 0 && d < max {
			ceiling = d
		}
	}

	half := ceiling / 2
	return half + time.Duration(rand.Int63n(int64(ceiling-half)+1))
}
