package swr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_SucceedsWithoutRetry(t *testing.T) {
	policy := RetryPolicy{Interval: time.Millisecond, Count: 3}
	calls := 0

	v, err := policy.Do(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_RetriesUntilSuccess(t *testing.T) {
	policy := RetryPolicy{Interval: time.Millisecond, Count: 3}
	calls := 0
	var attemptErrs []error

	v, err := policy.Do(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	}, func(err error) {
		attemptErrs = append(attemptErrs, err)
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, 3, calls)
	assert.Len(t, attemptErrs, 2)
}

func TestRetryPolicy_ExhaustionReturnsLastError(t *testing.T) {
	policy := RetryPolicy{Interval: time.Millisecond, Count: 3}
	calls := 0
	lastErr := errors.New("attempt 3 failed")

	_, err := policy.Do(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls == 3 {
			return nil, lastErr
		}
		return nil, errors.New("earlier failure")
	}, nil)

	assert.Equal(t, 3, calls)
	assert.Equal(t, lastErr, err)
}

func TestRetryPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	policy := RetryPolicy{Interval: time.Hour, Count: 3}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := policy.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, errors.New("always fails")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}
