// Package retry implements the exponential backoff policy shared by the event
// bus and the webhook client.
package retry

import (
	"math"
	"time"
)

// Policy holds retry configuration. Attempt 1 is the initial call.
type Policy struct {
	MaxAttempts       int           // Maximum number of attempts, including the first
	InitialDelay      time.Duration // Delay before attempt 2
	BackoffMultiplier float64       // Growth factor between consecutive delays
	MaxDelay          time.Duration // Upper bound for any single delay
}

// DefaultWebhookPolicy returns the policy used for outbound webhooks
func DefaultWebhookPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
	}
}

// Delay returns the wait before the given attempt:
// min(InitialDelay * BackoffMultiplier^(attempt-2), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-2))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

// Attempts returns MaxAttempts, never less than one
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Sleeper blocks for the given duration. A sleep that has started always completes.
type Sleeper func(time.Duration)

// Outcome classifies the result of a single attempt
type Outcome int

const (
	// Succeeded stops the loop with the attempt's value
	Succeeded Outcome = iota
	// Retryable schedules another attempt if the budget allows
	Retryable
	// Permanent stops the loop without further attempts
	Permanent
)

// Do runs fn until it succeeds, reports a permanent failure, or the policy's
// attempts are exhausted. It returns the last value and the number of attempts made.
func Do[T any](p Policy, sleep Sleeper, fn func(attempt int) (T, Outcome)) (T, int) {
	if sleep == nil {
		sleep = time.Sleep
	}

	maxAttempts := p.Attempts()

	var last T
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			sleep(p.Delay(attempt))
		}

		value, outcome := fn(attempt)
		last = value
		if outcome != Retryable {
			return last, attempt
		}
	}

	return last, maxAttempts
}
