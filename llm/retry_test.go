package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/chatflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestBackoffRetryer_SucceedsAfterTransientFailures(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), nil)

	attempts := 0
	err := r.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return types.NewRateLimitError("test")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestBackoffRetryer_StopsOnNonRetryableError(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), nil)

	fatal := types.NewError(types.ErrInvalidRequest, "bad request")
	attempts := 0
	err := r.Do(context.Background(), func() error {
		attempts++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts, "non-retryable errors must not be retried")
}

func TestBackoffRetryer_ExhaustsBudget(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), nil)

	attempts := 0
	underlying := types.NewTimeoutError("test")
	err := r.Do(context.Background(), func() error {
		attempts++
		return underlying
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamTimeout))
}

func TestBackoffRetryer_UnclassifiedErrorsAreRetryable(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(1), nil)

	attempts := 0
	err := r.Do(context.Background(), func() error {
		attempts++
		return errors.New("connection reset by peer")
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts, "plain network errors default to retryable")
}

func TestBackoffRetryer_ContextCancelStopsWaiting(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Hour, // 第一次重试前必然撞上取消
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}
	r := NewBackoffRetryer(policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error {
		return types.NewRateLimitError("test")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffRetryer_OnRetryCallback(t *testing.T) {
	policy := fastPolicy(2)
	var seen []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
		assert.Error(t, err)
		assert.Positive(t, delay)
	}
	r := NewBackoffRetryer(policy, nil)

	_ = r.Do(context.Background(), func() error {
		return types.NewRateLimitError("test")
	})

	assert.Equal(t, []int{1, 2}, seen)
}

func TestCalculateDelay_CapsAtMax(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries:   10,
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
	}
	r := NewBackoffRetryer(policy, nil).(*backoffRetryer)

	assert.Equal(t, time.Second, r.calculateDelay(1))
	assert.Equal(t, 2*time.Second, r.calculateDelay(2))
	assert.Equal(t, 4*time.Second, r.calculateDelay(3))
	assert.Equal(t, 4*time.Second, r.calculateDelay(8), "delay never exceeds MaxDelay")
}
