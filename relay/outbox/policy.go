package outbox

import (
	"time"

	"github.com/LerianStudio/lib-relay/relay/backoff"
)

const (
	defaultRetryBase        = 10 * time.Second
	defaultRetryCap         = 5 * time.Minute
	defaultMaxRetryAttempts = 10
)

// RetryPolicy computes retry schedules for failed dispatch attempts.
//
// The delay grows exponentially with the attempt count, bounded by Cap. With
// Jitter enabled the delay is randomized over [delay/2, delay) so a broker
// outage does not synchronize retries across the whole table.
type RetryPolicy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Cap bounds the exponential delay.
	Cap time.Duration
	// MaxAttempts is the attempt count at which an event is exhausted.
	MaxAttempts int
	// Jitter randomizes delays to avoid retry storms.
	Jitter bool
}

// DefaultRetryPolicy returns the baseline retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        defaultRetryBase,
		Cap:         defaultRetryCap,
		MaxAttempts: defaultMaxRetryAttempts,
		Jitter:      true,
	}
}

func (policy *RetryPolicy) normalize() {
	defaults := DefaultRetryPolicy()

	if policy.Base <= 0 {
		policy.Base = defaults.Base
	}

	if policy.Cap <= 0 {
		policy.Cap = defaults.Cap
	}

	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
}

// Delay returns the backoff delay after the given number of failed attempts.
// Attempts below one are treated as one.
func (policy RetryPolicy) Delay(attempts int) time.Duration {
	policy.normalize()

	if attempts < 1 {
		attempts = 1
	}

	delay := backoff.ExponentialCapped(policy.Base, policy.Cap, attempts-1)

	if policy.Jitter {
		half := delay / 2
		delay = half + backoff.FullJitter(delay-half)
	}

	return delay
}

// NextRetryAt returns the scheduled retry time after a failure observed at
// now. The result is always strictly after now.
func (policy RetryPolicy) NextRetryAt(now time.Time, attempts int) time.Time {
	delay := policy.Delay(attempts)
	if delay <= 0 {
		delay = time.Second
	}

	return now.Add(delay)
}

// IsExhausted reports whether an event with the given attempt count has no
// retries left.
func (policy RetryPolicy) IsExhausted(attempts int) bool {
	policy.normalize()

	return attempts >= policy.MaxAttempts
}
