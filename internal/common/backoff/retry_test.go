package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	t.Run("SuccessfulRetry", func(t *testing.T) {
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		}

		policy := NewConstantBackoffPolicy(time.Millisecond)
		err := Retry(context.Background(), op, policy, nil)

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("NonRetriableError", func(t *testing.T) {
		permanentErr := errors.New("permanent error")
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			return permanentErr
		}

		isRetriable := func(err error) bool {
			return !errors.Is(err, permanentErr)
		}

		policy := NewConstantBackoffPolicy(time.Millisecond)
		err := Retry(context.Background(), op, policy, isRetriable)

		assert.Equal(t, permanentErr, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		op := func(ctx context.Context) error {
			return ctx.Err()
		}

		policy := NewConstantBackoffPolicy(time.Millisecond)
		err := Retry(ctx, op, policy, nil)

		assert.Equal(t, context.Canceled, err)
	})

	t.Run("ContextCancellationDuringWait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0

		op := func(_ context.Context) error {
			attempts++
			if attempts == 1 {
				go func() {
					time.Sleep(20 * time.Millisecond)
					cancel()
				}()
			}
			return errors.New("error")
		}

		policy := NewConstantBackoffPolicy(time.Second)
		start := time.Now()
		err := Retry(ctx, op, policy, nil)
		elapsed := time.Since(start)

		assert.Equal(t, context.Canceled, err)
		assert.Less(t, elapsed, 500*time.Millisecond)
	})

	t.Run("RetriesExhausted", func(t *testing.T) {
		attempts := 0
		testErr := errors.New("test error")
		op := func(_ context.Context) error {
			attempts++
			return testErr
		}

		policy := NewConstantBackoffPolicy(time.Millisecond)
		policy.MaxRetries = 3
		err := Retry(context.Background(), op, policy, nil)

		// The original error comes back, not ErrRetriesExhausted.
		assert.Equal(t, testErr, err)
		assert.Equal(t, 4, attempts) // initial + 3 retries
	})
}

func TestExponentialBackoffPolicy(t *testing.T) {
	t.Parallel()

	policy := &ExponentialBackoffPolicy{
		InitialInterval: time.Second,
		BackoffFactor:   2.0,
		MaxInterval:     10 * time.Second,
		MaxRetries:      5,
	}

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second, // capped
	}
	for i, want := range expected {
		got, err := policy.ComputeNextInterval(i, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got, "retry %d", i)
	}

	_, err := policy.ComputeNextInterval(5, 0, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetrier(t *testing.T) {
	t.Parallel()

	policy := &ExponentialBackoffPolicy{
		InitialInterval: time.Second,
		BackoffFactor:   2.0,
		MaxInterval:     time.Minute,
		MaxRetries:      2,
	}
	r := NewRetrier(policy)

	first, err := r.Next(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, first)

	second, err := r.Next(nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, second)

	_, err = r.Next(nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	r.Reset()
	again, err := r.Next(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, again)
}

func TestJitter(t *testing.T) {
	t.Parallel()

	t.Run("FullJitterRange", func(t *testing.T) {
		t.Parallel()
		for range 100 {
			d := FullJitter(time.Second)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.Less(t, d, time.Second)
		}
		assert.Equal(t, time.Duration(0), FullJitter(0))
	})

	t.Run("EqualJitterRange", func(t *testing.T) {
		t.Parallel()
		for range 100 {
			d := EqualJitter(time.Second)
			assert.GreaterOrEqual(t, d, 500*time.Millisecond)
			assert.LessOrEqual(t, d, time.Second)
		}
	})

	t.Run("WithJitterWrapsPolicy", func(t *testing.T) {
		t.Parallel()
		base := NewConstantBackoffPolicy(time.Second)
		base.MaxRetries = 1
		jittered := WithJitter(base, FullJitter)

		d, err := jittered.ComputeNextInterval(0, 0, nil)
		require.NoError(t, err)
		assert.Less(t, d, time.Second)

		_, err = jittered.ComputeNextInterval(1, 0, nil)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	})
}
