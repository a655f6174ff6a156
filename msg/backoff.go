package msg

import (
	"math/rand"
	"time"
)

// BackoffFunc maps an attempt number (1-based) to a retry delay.
type BackoffFunc func(attempt int) time.Duration

const (
	backoffBase   = 250 * time.Millisecond
	backoffCap    = 60 * time.Second
	backoffJitter = 250 * time.Millisecond
	backoffMaxExp = 10
)

// DefaultBackoff is capped exponential backoff with jitter:
// min(60s, 250ms * 2^min(attempt, 10)) + uniform(0..250ms).
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := attempt
	if exp > backoffMaxExp {
		exp = backoffMaxExp
	}
	d := backoffBase * (1 << uint(exp))
	if d > backoffCap {
		d = backoffCap
	}
	return d + time.Duration(rand.Int63n(int64(backoffJitter)))
}
