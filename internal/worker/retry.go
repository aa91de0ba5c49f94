package worker

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy spaces transient retries exponentially: Base·2^attempts,
// capped at Max, then jittered by ±Jitter.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 30 * time.Second, Max: 30 * time.Minute, Jitter: 0.2}
}

// Backoff returns the delay before the retry that follows the given number
// of failed attempts.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	d := p.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Max > 0 {
		d = minDur(d, p.Max)
	}
	d = jitter(d, p.Jitter)
	if d < 0 {
		return 0
	}
	return d
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
