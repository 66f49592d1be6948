// Package retry repeats broker operations that failed for transient reasons.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy decides whether and when a failed attempt is repeated
type Policy interface {
	// ShouldRetry reports whether attempt (zero based) may be followed by
	// another one, and after how long
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// Classifier reports whether an error is worth another attempt
type Classifier func(err error) bool

// Backoff is an exponential backoff policy
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts counts the first attempt, so 1 disables retrying
	MaxAttempts int
	Jitter      bool
	Retryable   Classifier
}

// NewBackoff creates a jittered backoff doubling from initial up to max
func NewBackoff(initial, max time.Duration, maxAttempts int, retryable Classifier) *Backoff {
	return &Backoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      2.0,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
		Retryable:       retryable,
	}
}

// ShouldRetry implements Policy
func (b *Backoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt+1 >= b.MaxAttempts {
		return false, 0
	}
	if b.Retryable != nil && !b.Retryable(err) {
		return false, 0
	}
	return true, b.NextDelay(attempt)
}

// NextDelay returns the wait after the given attempt
func (b *Backoff) NextDelay(attempt int) time.Duration {
	delay := float64(b.InitialInterval) * math.Pow(b.Multiplier, float64(attempt))
	if b.MaxInterval > 0 && delay > float64(b.MaxInterval) {
		delay = float64(b.MaxInterval)
	}

	// ±15%
	if b.Jitter {
		delay += rand.Float64()*0.3*delay - 0.15*delay
	}

	return time.Duration(delay)
}

// Do runs fn until it succeeds, the policy gives up or ctx is done. The
// last error from fn is returned when the policy gives up.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
}
