package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
)

// Retry policy defaults: up to 3 attempts, exponential backoff capped at
// 10 minutes, randomized jitter against thundering herds.
const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 2 * time.Second
	defaultMaxInterval     = 10 * time.Minute
	defaultMultiplier      = 2.0
	defaultJitterFactor    = 0.5
)

// RetryPolicy governs how consumers re-attempt retryable task failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the pipeline's standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

// Execute runs the handler under the retry policy.
//
// Retryable errors (per ingestion.IsRetryable) re-attempt with jittered
// exponential backoff. After the final retryable failure the handler's
// OnRetriesExhausted hook runs, then the last error is returned.
// Non-retryable errors return immediately without re-attempting.
func (p RetryPolicy) Execute(ctx context.Context, logger *slog.Logger, task Task, handler Handler) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.MaxInterval = p.MaxInterval
	expo.Multiplier = defaultMultiplier
	expo.RandomizationFactor = defaultJitterFactor
	expo.Reset()

	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = handler.Handle(ctx, task)
		if lastErr == nil {
			return nil
		}

		if !ingestion.IsRetryable(lastErr) {
			logger.Error("Task failed with non-retryable error",
				slog.String("task_type", string(task.Type)),
				slog.String("run_id", task.RunID),
				slog.String("error", lastErr.Error()),
			)

			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		wait := expo.NextBackOff()

		logger.Warn("Retryable task failure, backing off",
			slog.String("task_type", string(task.Type)),
			slog.String("run_id", task.RunID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.MaxAttempts),
			slog.Duration("backoff", wait),
			slog.String("error", lastErr.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	logger.Error("Max retries exceeded for task",
		slog.String("task_type", string(task.Type)),
		slog.String("run_id", task.RunID),
		slog.Int("attempts", p.MaxAttempts),
		slog.String("error", lastErr.Error()),
	)

	handler.OnRetriesExhausted(ctx, task, lastErr)

	return lastErr
}
