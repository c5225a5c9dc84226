package errdefs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0.3,
	}
}

func TestRetryTransientFailureEventuallySucceeds(t *testing.T) {
	calls := 0
	result, err := RetryWithResult(context.Background(), fastRetryConfig(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("connection reset"), "dial")
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(), func(context.Context) (int, error) {
		calls++
		return 0, NewPermanentError(errors.New("bad request"), "llm")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(err))
}

func TestRetryBudgetExhausted(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(), func(context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("timeout"), "dial")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls) // first try + MaxAttempts retries
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := RetryWithResult(ctx, fastRetryConfig(), func(context.Context) (int, error) {
		calls++
		return 0, nil
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestCalculateBackoffBounds(t *testing.T) {
	config := RetryConfig{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.3,
	}

	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			delay := calculateBackoff(attempt, config)
			assert.GreaterOrEqual(t, delay, time.Duration(0))
			assert.LessOrEqual(t, delay, config.MaxDelay)
		}
	}

	// Without jitter, backoff is exactly base * 2^attempt until the cap.
	config.JitterFactor = 0
	assert.Equal(t, time.Second, calculateBackoff(0, config))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, config))
	assert.Equal(t, 4*time.Second, calculateBackoff(2, config))
	assert.Equal(t, 30*time.Second, calculateBackoff(6, config))
}
