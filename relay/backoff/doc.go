// Package backoff provides retry delay helpers with exponential growth and jitter.
//
// Use ExponentialCapped or ExponentialWithJitter for retry scheduling and
// SleepWithContext to wait while respecting cancellation and deadlines.
package backoff
