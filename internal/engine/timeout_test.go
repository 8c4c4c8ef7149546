package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline.After(time.Now().Add(time.Hour)))

	ctx2, cancel2 := WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	deadline2, ok := ctx2.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline2.Before(time.Now().Add(10*time.Second)))
}

func fastPolicy(retries int) *RetryPolicy {
	return &RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastPolicy(3), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("Throttling: Rate exceeded")
		}
		return nil
	}, IsTransientError)

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_NonRetryable(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastPolicy(5), func() error {
		attempts++
		return fmt.Errorf("AccessDenied")
	}, IsTransientError)

	assert.EqualError(t, err, "AccessDenied")
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_MaxRetries(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastPolicy(2), func() error {
		attempts++
		return fmt.Errorf("connection reset by peer")
	}, IsTransientError)

	assert.ErrorContains(t, err, "max retries (2) exceeded")
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, &RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Second}, func() error {
		return errors.New("service unavailable")
	}, IsTransientError)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, IsTransientError(errors.New("api error Throttling: Rate exceeded")))
	assert.True(t, IsTransientError(errors.New("read tcp: i/o timeout")))
	assert.False(t, IsTransientError(errors.New("ValidationError: Template format error")))
	assert.False(t, IsTransientError(context.DeadlineExceeded))
	assert.False(t, IsTransientError(nil))
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := calculateBackoff(attempt, 100*time.Millisecond, time.Second)
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestIsCancellation_CallerVersusTimeout(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := WithTimeout(parent, time.Hour)
	defer stop()
	assert.False(t, isCancellation(ctx, context.Canceled))
	cancel()
	assert.True(t, isCancellation(ctx, context.Canceled))
	assert.False(t, timedOut(ctx))

	expired, stop2 := WithTimeout(context.Background(), time.Millisecond)
	defer stop2()
	<-expired.Done()
	assert.True(t, timedOut(expired))
	assert.False(t, isCancellation(expired, context.DeadlineExceeded))
	assert.ErrorIs(t, context.Cause(expired), ErrWorkflowTimeout)
}
