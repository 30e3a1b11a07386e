package broker

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth capped at Max, with
// full jitter, so a delay is uniform in [0, min(Max, Base*2^attempt)].
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Int64N returns a value in [0, n). Defaults to math/rand/v2.
	Int64N func(n int64) int64
}

// Ceiling is the upper bound of the delay for attempt.
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return b.Max
	}
	ceil := b.Base << uint(attempt)
	if ceil <= 0 || ceil > b.Max {
		return b.Max
	}
	return ceil
}

// Duration returns the jittered delay for attempt (0-based).
func (b Backoff) Duration(attempt int) time.Duration {
	ceil := b.Ceiling(attempt)
	if ceil <= 0 {
		return 0
	}
	randN := b.Int64N
	if randN == nil {
		randN = rand.Int63n
	}
	return time.Duration(randN(int64(ceil) + 1))
}
