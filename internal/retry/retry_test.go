package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := DefaultWebhookPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 0},
		{attempt: 1, want: 0},
		{attempt: 2, want: time.Second},
		{attempt: 3, want: 2 * time.Second},
		{attempt: 4, want: 4 * time.Second},
		{attempt: 6, want: 16 * time.Second},
		{attempt: 7, want: 30 * time.Second},
		{attempt: 50, want: 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_DelayNonDecreasing(t *testing.T) {
	policies := []Policy{
		DefaultWebhookPolicy(),
		{MaxAttempts: 10, InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Second},
		{MaxAttempts: 10, InitialDelay: 250 * time.Millisecond, BackoffMultiplier: 1.5, MaxDelay: 5 * time.Second},
		{MaxAttempts: 10, InitialDelay: time.Second, BackoffMultiplier: 3},
	}

	for _, p := range policies {
		prev := time.Duration(0)
		for n := 1; n <= 40; n++ {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "policy %+v attempt %d", p, n)
			if p.MaxDelay > 0 {
				assert.LessOrEqual(t, d, p.MaxDelay)
			}
			prev = d
		}
	}
}

func TestDo_StopsOnSuccess(t *testing.T) {
	var slept []time.Duration
	sleep := func(d time.Duration) { slept = append(slept, d) }

	value, attempts := Do(DefaultWebhookPolicy(), sleep, func(attempt int) (string, Outcome) {
		if attempt < 2 {
			return "fail", Retryable
		}
		return "ok", Succeeded
	})

	assert.Equal(t, "ok", value)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, slept)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	var slept []time.Duration
	sleep := func(d time.Duration) { slept = append(slept, d) }

	calls := 0
	value, attempts := Do(DefaultWebhookPolicy(), sleep, func(attempt int) (int, Outcome) {
		calls++
		return attempt, Retryable
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, value)
	require.Len(t, slept, 2)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	sleep := func(time.Duration) { t.Fatal("must not sleep") }

	_, attempts := Do(DefaultWebhookPolicy(), sleep, func(int) (struct{}, Outcome) {
		return struct{}{}, Permanent
	})
	assert.Equal(t, 1, attempts)
}

func TestPolicy_AttemptsFloor(t *testing.T) {
	assert.Equal(t, 1, Policy{}.Attempts())
	assert.Equal(t, 5, Policy{MaxAttempts: 5}.Attempts())
}
