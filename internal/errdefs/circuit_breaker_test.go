package errdefs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(cooldown time.Duration) *CircuitBreaker {
	return NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         cooldown,
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := testBreaker(30 * time.Second)

	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Allow())
		cb.Mark(errors.New("boom"))
		assert.Equal(t, StateClosed, cb.State(), "after %d failures", i+1)
	}

	require.NoError(t, cb.Allow())
	cb.Mark(errors.New("boom"))
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Allow()
	require.Error(t, err)
	assert.True(t, IsDegraded(err))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := testBreaker(30 * time.Second)

	for i := 0; i < 4; i++ {
		cb.Mark(errors.New("boom"))
	}
	cb.Mark(nil)
	for i := 0; i < 4; i++ {
		cb.Mark(errors.New("boom"))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeAfterCooldown(t *testing.T) {
	cb := testBreaker(10 * time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.Mark(errors.New("boom"))
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Mark(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb := testBreaker(10 * time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.Mark(errors.New("boom"))
	}
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Allow())
	cb.Mark(errors.New("still down"))
	assert.Equal(t, StateOpen, cb.State())
	require.Error(t, cb.Allow())
}

func TestExecuteFuncShortCircuitsWhenOpen(t *testing.T) {
	cb := testBreaker(time.Hour)
	for i := 0; i < 5; i++ {
		cb.Mark(errors.New("boom"))
	}

	calls := 0
	_, err := ExecuteFunc(cb, context.Background(), func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestBreakerReset(t *testing.T) {
	cb := testBreaker(time.Hour)
	for i := 0; i < 5; i++ {
		cb.Mark(errors.New("boom"))
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}
