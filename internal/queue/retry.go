package queue

import (
	"math"
	"time"

	"bookingsync/internal/models"
)

// RetryPolicy defines exponential backoff between job attempts.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy waits 5s, 10s, 20s... between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   models.DefaultMaxAttempts,
		InitialDelay:  models.DefaultBackoffBase,
		MaxDelay:      10 * time.Minute,
		BackoffFactor: 2,
	}
}

// NextDelay returns the delay after the given failed attempt (1-based),
// clamped to MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = models.DefaultBackoffBase
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && (d > r.MaxDelay || delay > float64(math.MaxInt64)) {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = r.InitialDelay
	}
	return d
}

// Exhausted reports whether a job that has made attempts tries may not run again.
func (r RetryPolicy) Exhausted(attempts, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = r.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	return attempts >= maxAttempts
}
