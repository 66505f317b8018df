package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// DefaultMaxBackoff is the ceiling applied to computed delays when the
// policy does not set its own max_delay.
const DefaultMaxBackoff = 60 * time.Second

// defaultBaseDelay is used when a policy enables retries without a base delay.
const defaultBaseDelay = time.Second

// IsRetryable classifies whether a step error may be retried under the
// given policy. Invocation failures are retryable; timeouts only when the
// policy opts in; configuration, template, and cancellation errors never.
func IsRetryable(err error, policy *schema.RetryPolicy) bool {
	if err == nil {
		return false
	}

	// Cancellation means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return policy != nil && policy.RetryOnTimeout
	}

	var ee *schema.EngineError
	if errors.As(err, &ee) {
		if ee.Code == schema.ErrCodeTimeout {
			return policy != nil && policy.RetryOnTimeout
		}
		return ee.IsRetryable()
	}

	// Bare network errors from adapters count as invocation failures.
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ComputeBackoff calculates the delay before retry attempt N (0-based:
// attempt 0 is the delay before the first retry). Strategies:
//
//	none        no delay between attempts
//	linear      base * (attempt + 1)
//	exponential base * 2^attempt
//
// Delays are capped at the policy's max_delay or DefaultMaxBackoff, so
// the sequence is non-decreasing and bounded.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Strategy == schema.RetryNone || policy.Strategy == "" {
		return 0
	}

	base := defaultBaseDelay
	if policy.BaseDelay != "" {
		if d, err := time.ParseDuration(policy.BaseDelay); err == nil && d > 0 {
			base = d
		}
	}

	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch policy.Strategy {
	case schema.RetryLinear:
		delay = base * time.Duration(attempt+1)
	case schema.RetryExponential:
		// Clamp the shift to keep base<<attempt from overflowing.
		shift := attempt
		if shift > 20 {
			shift = 20
		}
		delay = base << shift
	default:
		delay = base
	}

	maxDelay := DefaultMaxBackoff
	if policy.MaxDelay != "" {
		if d, err := time.ParseDuration(policy.MaxDelay); err == nil && d > 0 {
			maxDelay = d
		}
	}
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed delay or returns early if the
// context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
