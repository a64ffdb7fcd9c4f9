package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/forgebuild/forgebuild/pkg/errors"
	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
)

// minDelay floors every computed backoff delay
const minDelay = 100 * time.Millisecond

// Policy holds retry configuration. It is an immutable value object.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// JitterFraction adds ± this fraction of uniform jitter to each delay
	JitterFraction float64
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// Operation is one fallible build operation. Its internals (CMake, Conan,
// vcpkg invocation) are entirely external to this engine.
type Operation func(ctx context.Context, build BuildContext) error

// AttemptFailure records one failed attempt
type AttemptFailure struct {
	Attempt int           `json:"attempt"`
	Error   string        `json:"error"`
	At      time.Time     `json:"at"`
	Delay   time.Duration `json:"delay"`
}

// RunResult aggregates the full attempt trail of one Run call
type RunResult struct {
	Attempts   int              `json:"attempts"`
	TotalDelay time.Duration    `json:"total_delay"`
	Failures   []AttemptFailure `json:"failures"`
	FinalError error            `json:"-"`
}

// Executor retries a fallible operation with exponential backoff and
// jitter, capturing per-attempt diagnostics
type Executor struct {
	policy Policy

	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, err error, delay time.Duration)

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewExecutor creates a retry executor, normalizing out-of-range policy
// values
func NewExecutor(policy Policy, m *metrics.Metrics) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 60 * time.Second
	}
	if policy.BackoffMultiplier <= 0 {
		policy.BackoffMultiplier = 2.0
	}
	if policy.JitterFraction < 0 {
		policy.JitterFraction = 0
	}

	return &Executor{
		policy:  policy,
		logger:  logging.GetLogger(),
		metrics: m,
	}
}

// Policy returns the executor's policy
func (e *Executor) Policy() Policy {
	return e.policy
}

// Run invokes the operation up to MaxAttempts times. The caller receives
// the full failure trail regardless of outcome. Context cancellation stops
// the loop between attempts and during backoff sleeps.
func (e *Executor) Run(ctx context.Context, op Operation, build BuildContext) (bool, RunResult) {
	result := RunResult{}

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.FinalError = ctx.Err()
			return false, result
		}

		result.Attempts = attempt
		err := e.invoke(ctx, op, build)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("Operation succeeded after retry",
					"build_id", build.BuildID,
					"attempt", attempt,
					"max_attempts", e.policy.MaxAttempts,
				)
			}
			e.metrics.RecordRetryAttempt("success")
			return true, result
		}

		result.FinalError = err
		e.metrics.RecordRetryAttempt("failure")

		// No sleep after the final attempt
		if attempt == e.policy.MaxAttempts {
			result.Failures = append(result.Failures, AttemptFailure{
				Attempt: attempt,
				Error:   err.Error(),
				At:      time.Now(),
			})
			break
		}

		delay := e.calculateDelay(attempt)
		result.Failures = append(result.Failures, AttemptFailure{
			Attempt: attempt,
			Error:   err.Error(),
			At:      time.Now(),
			Delay:   delay,
		})

		e.logger.Debug("Operation failed, retrying",
			"build_id", build.BuildID,
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"delay", delay.String(),
		)

		if e.OnRetry != nil {
			e.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			result.FinalError = ctx.Err()
			return false, result
		case <-time.After(delay):
			result.TotalDelay += delay
		}
	}

	e.logger.Error("Operation failed after all retry attempts",
		"build_id", build.BuildID,
		"error", result.FinalError.Error(),
		"attempts", result.Attempts,
	)

	return false, result
}

// invoke runs one attempt, converting a panic into a typed error so one
// bad operation cannot take the engine down
func (e *Executor) invoke(ctx context.Context, op Operation, build BuildContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError("operation panicked").
				WithBuildID(build.BuildID).
				WithDetail("panic", stringify(r))
		}
	}()

	return op(ctx, build)
}

// calculateDelay computes min(MaxDelay, BaseDelay × multiplier^(attempt-1))
// with ± JitterFraction uniform jitter, floored at 100ms
func (e *Executor) calculateDelay(attempt int) time.Duration {
	delay := float64(e.policy.BaseDelay) * math.Pow(e.policy.BackoffMultiplier, float64(attempt-1))

	if delay > float64(e.policy.MaxDelay) {
		delay = float64(e.policy.MaxDelay)
	}

	if e.policy.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * e.policy.JitterFraction * delay
		delay += jitter
	}

	if delay < float64(minDelay) {
		delay = float64(minDelay)
	}

	return time.Duration(delay)
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "non-string panic value"
}
