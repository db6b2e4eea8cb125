package backoff

import (
	"math/rand"
	"time"
)

// Strategy takes the number of attempts already made and returns the delay
// before the next one. This allows the caller to implement any strategy they
// like, be it constant, linear, exponential, etc.
type Strategy func(attempt int) time.Duration

// Constant waits the same duration regardless of the attempt count.
func Constant(d time.Duration) Strategy {
	return func(int) time.Duration {
		return d
	}
}

// Linear waits attempt*step.
func Linear(step time.Duration) Strategy {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// ExponentialJitter doubles the base delay per attempt, caps it at max, and
// adds up to 25% random jitter so concurrent retries don't align.
func ExponentialJitter(base, max time.Duration) Strategy {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt && d < max; i++ {
			d *= 2
		}
		if d > max {
			d = max
		}
		return d + time.Duration(rand.Int63n(int64(d)/4+1))
	}
}
