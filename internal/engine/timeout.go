package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

const (
	// DefaultWorkflowTimeout bounds one create or destroy run.
	DefaultWorkflowTimeout = 2 * time.Hour

	// DefaultPollInterval is the wait between two stack status checks.
	DefaultPollInterval = 30 * time.Second

	// DefaultMaxPolls is the number of status checks before giving up.
	DefaultMaxPolls = 30

	// DefaultEventLimit is the number of stack events attached to failures.
	DefaultEventLimit = 50

	// DefaultRetryMax is the default maximum number of retries for transient errors.
	DefaultRetryMax = 3
)

// RetryPolicy defines retry behavior for transient cloud API errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used for stack reads.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// ErrWorkflowTimeout is the cause of a context whose workflow timeout
// expired, as opposed to one cancelled by its caller.
var ErrWorkflowTimeout = errors.New("workflow timed out")

// WithTimeout wraps a context with a workflow timeout. When it expires,
// context.Cause reports ErrWorkflowTimeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultWorkflowTimeout
	}
	return context.WithTimeoutCause(ctx, timeout, ErrWorkflowTimeout)
}

// RetryWithBackoff executes fn with exponential backoff and jitter.
// It retries only if shouldRetry returns true for the error.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < policy.MaxRetries {
			if err := sleep(ctx, calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay)); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

// calculateBackoff returns exponential backoff with full jitter.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(rand.Float64() * backoff)
}

// sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"too many requests",
	"request limit",
	"service unavailable",
	"internal server error",
	"internal failure",
	"connection reset",
	"connection refused",
	"tls handshake",
	"i/o timeout",
	"temporary failure",
}

// IsTransientError reports whether err looks like a throttling or network
// error worth retrying. Context errors never are.
func IsTransientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// isCancellation reports whether err stems from ctx being cancelled by its
// caller. An expired workflow timeout is a failure, not a cancellation.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil || timedOut(ctx) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// timedOut reports whether ctx ended because its own workflow timeout
// expired.
func timedOut(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrWorkflowTimeout)
}
