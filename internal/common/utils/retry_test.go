package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetryWithBackoff_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_Exhaustion(t *testing.T) {
	calls := 0
	boom := errors.New("still broken")
	err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsRetriesExhausted(err))
	assert.True(t, errors.Is(err, boom))
}

func TestRetryWithBackoff_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	config := fastRetryConfig(5)
	config.RetryableErrors = func(err error) bool {
		return !errors.Is(err, fatal)
	}

	calls := 0
	err := RetryWithBackoff(context.Background(), config, func() error {
		calls++
		return fatal
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, IsRetriesExhausted(err))
	assert.Equal(t, fatal, err)
}

func TestRetryWithBackoff_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	config := fastRetryConfig(10)
	config.InitialDelay = time.Hour // force the sleep path

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- RetryWithBackoff(ctx, config, func() error {
			calls++
			return errors.New("transient")
		})
	}()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retry cancelled")
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestRandomInt64n(t *testing.T) {
	assert.Equal(t, int64(0), randomInt64n(0))
	assert.Equal(t, int64(0), randomInt64n(-5))
	for i := 0; i < 100; i++ {
		v := randomInt64n(10)
		assert.GreaterOrEqual(t, v, int64(0))
		assert.Less(t, v, int64(10))
	}
}
