package backoff

import (
	"context"
	"time"

	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
)

type (
	// Operation to retry.
	Operation func(ctx context.Context) error

	// IsRetriableFunc decides whether an error is worth another attempt.
	IsRetriableFunc func(err error) bool
)

// Retry executes op until it succeeds, the policy gives up, the error is not
// retriable, or the context ends. A nil isRetriable treats every error as
// retriable.
func Retry(ctx context.Context, op Operation, policy RetryPolicy, isRetriable IsRetriableFunc) error {
	if isRetriable == nil {
		isRetriable = func(_ error) bool { return true }
	}

	retrier := NewRetrier(policy)
	attempt := 0

	for {
		attempt++

		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debug(ctx, "Retryable operation succeeded", tag.Attempt(attempt))
			}
			return nil
		}

		if !isRetriable(err) {
			logger.Warn(ctx, "Operation failed with non-retriable error", tag.Attempt(attempt), tag.Error(err))
			return err
		}

		interval, retryErr := retrier.Next(err)
		if retryErr != nil {
			logger.Warn(ctx, "Retry attempts exhausted", tag.Attempt(attempt), tag.Error(err))
			return err
		}

		if interval <= 0 {
			interval = 100 * time.Millisecond
		}

		logger.Debug(ctx, "Operation failed; scheduling retry",
			tag.Attempt(attempt), tag.Duration(interval), tag.Error(err))

		if err := waitWithContext(ctx, interval); err != nil {
			return err
		}
	}
}

func waitWithContext(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
