package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuild() BuildContext {
	return BuildContext{
		BuildID:   "test-build",
		Product:   "app",
		Arch:      "x86_64",
		BuildType: "release",
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:       attempts,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0,
	}
}

func TestExecutor_Run_SucceedsFirstAttempt(t *testing.T) {
	e := NewExecutor(fastPolicy(3), nil)

	calls := 0
	ok, result := e.Run(context.Background(), func(context.Context, BuildContext) error {
		calls++
		return nil
	}, testBuild())

	assert.True(t, ok)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, result.Failures)
	assert.NoError(t, result.FinalError)
}

func TestExecutor_Run_SucceedsAfterRetries(t *testing.T) {
	e := NewExecutor(fastPolicy(5), nil)

	calls := 0
	ok, result := e.Run(context.Background(), func(context.Context, BuildContext) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient failure %d", calls)
		}
		return nil
	}, testBuild())

	assert.True(t, ok)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, result.Failures, 2)
	assert.NoError(t, result.FinalError)
}

func TestExecutor_Run_ExhaustsAttempts(t *testing.T) {
	e := NewExecutor(fastPolicy(3), nil)

	calls := 0
	ok, result := e.Run(context.Background(), func(context.Context, BuildContext) error {
		calls++
		return fmt.Errorf("persistent failure")
	}, testBuild())

	assert.False(t, ok)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, result.Failures, 3)
	require.Error(t, result.FinalError)
	assert.Contains(t, result.FinalError.Error(), "persistent failure")

	// The final attempt has no backoff delay
	assert.Zero(t, result.Failures[2].Delay)
}

func TestExecutor_Run_ContextCancelledDuringBackoff(t *testing.T) {
	e := NewExecutor(Policy{
		MaxAttempts:       5,
		BaseDelay:         10 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.0,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	ok, result := e.Run(ctx, func(context.Context, BuildContext) error {
		return fmt.Errorf("fail")
	}, testBuild())

	assert.False(t, ok)
	assert.ErrorIs(t, result.FinalError, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecutor_Run_AlreadyCancelled(t *testing.T) {
	e := NewExecutor(fastPolicy(3), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	ok, result := e.Run(ctx, func(context.Context, BuildContext) error {
		calls++
		return nil
	}, testBuild())

	assert.False(t, ok)
	assert.Zero(t, calls)
	assert.ErrorIs(t, result.FinalError, context.Canceled)
}

func TestExecutor_Run_RecoversPanic(t *testing.T) {
	e := NewExecutor(fastPolicy(2), nil)

	ok, result := e.Run(context.Background(), func(context.Context, BuildContext) error {
		panic("boom")
	}, testBuild())

	assert.False(t, ok)
	require.Error(t, result.FinalError)
	assert.Contains(t, result.FinalError.Error(), "panicked")
}

func TestExecutor_Run_OnRetryHook(t *testing.T) {
	e := NewExecutor(fastPolicy(3), nil)

	var attempts []int
	e.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	e.Run(context.Background(), func(context.Context, BuildContext) error {
		return fmt.Errorf("fail")
	}, testBuild())

	// The hook fires before each backoff, so not after the final attempt
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestExecutor_CalculateDelay_Envelope(t *testing.T) {
	policy := Policy{
		MaxAttempts:       10,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
	e := NewExecutor(policy, nil)

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			delay := e.calculateDelay(attempt)

			base := float64(policy.BaseDelay) * pow(policy.BackoffMultiplier, attempt-1)
			if base > float64(policy.MaxDelay) {
				base = float64(policy.MaxDelay)
			}
			upper := time.Duration(base * (1 + policy.JitterFraction))

			assert.GreaterOrEqual(t, delay, minDelay, "attempt %d", attempt)
			assert.LessOrEqual(t, delay, upper, "attempt %d", attempt)
		}
	}
}

func TestExecutor_CalculateDelay_NoJitterIsDeterministic(t *testing.T) {
	e := NewExecutor(Policy{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
	}, nil)

	assert.Equal(t, 1*time.Second, e.calculateDelay(1))
	assert.Equal(t, 2*time.Second, e.calculateDelay(2))
	assert.Equal(t, 4*time.Second, e.calculateDelay(3))

	// The cap takes over once the exponent passes it
	assert.Equal(t, 60*time.Second, e.calculateDelay(10))
}

func TestExecutor_CalculateDelay_Floor(t *testing.T) {
	e := NewExecutor(Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	}, nil)

	assert.Equal(t, minDelay, e.calculateDelay(1))
}

func TestNewExecutor_NormalizesPolicy(t *testing.T) {
	e := NewExecutor(Policy{}, nil)

	policy := e.Policy()
	assert.Equal(t, 1, policy.MaxAttempts)
	assert.Positive(t, policy.BaseDelay)
	assert.Positive(t, policy.MaxDelay)
	assert.Positive(t, policy.BackoffMultiplier)
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
