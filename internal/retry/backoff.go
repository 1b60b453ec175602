// Package retry holds the shared backoff policy for re-attempted work:
// storage uploads and batch re-dispatch.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffWithJitter returns the wait before retry attempt n: exponential
// growth from base, capped at max, with up to half an interval of jitter so
// concurrent retries spread out.
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
