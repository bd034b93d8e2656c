package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/errdefs"
)

func TestBreakerPassesSuccessThrough(t *testing.T) {
	b := NewBreaker("test-pass")

	res, err := b.Execute(func() (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test-open")
	boom := errors.New("upstream down")

	for i := 0; i < tripThreshold; i++ {
		err := b.Do(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	// Rejected without invoking fn
	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errdefs.IsKind(err, errdefs.KindExternal))
	assert.Equal(t, errdefs.CodeCircuitOpen, errdefs.CodeOf(err))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("test-reset")
	boom := errors.New("flaky")

	for i := 0; i < tripThreshold-1; i++ {
		_ = b.Do(func() error { return boom })
	}
	require.NoError(t, b.Do(func() error { return nil }))

	// The streak restarted, so more failures are needed to trip
	for i := 0; i < tripThreshold-1; i++ {
		_ = b.Do(func() error { return boom })
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, 10*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	boom := errors.New("persistent")
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, 10*time.Millisecond, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, 10, 50*time.Millisecond, time.Second, func() error {
		calls++
		return errors.New("always")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
