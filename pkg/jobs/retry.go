package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides when a task that failed transiently runs again.
// Delays grow exponentially; retrying stops once the next attempt would
// start later than MaxElapsed after the first one, or after MaxAttempts.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor in [0,1].
	Jitter      float64
	MaxElapsed  time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 5 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2,
		Jitter:          0.2,
		MaxElapsed:      1 * time.Hour,
		MaxAttempts:     10,
	}
}

// Delay returns the backoff before attempt+1, for a task that has made
// attempt attempts.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Next returns when a task should run again. The second result is false
// when the retry window is exhausted.
func (p RetryPolicy) Next(attempt int, firstAttempt, now time.Time) (time.Time, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return time.Time{}, false
	}
	at := now.Add(p.Delay(attempt))
	if p.MaxElapsed > 0 && at.Sub(firstAttempt) > p.MaxElapsed {
		return time.Time{}, false
	}
	return at, true
}
