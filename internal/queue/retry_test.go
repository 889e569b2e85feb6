package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
)

// scriptedHandler fails a configured number of times before succeeding.
type scriptedHandler struct {
	failures  int
	err       error
	calls     int
	exhausted int
	lastErr   error
}

func (h *scriptedHandler) Handle(_ context.Context, _ Task) error {
	h.calls++

	if h.calls <= h.failures {
		return h.err
	}

	return nil
}

func (h *scriptedHandler) OnRetriesExhausted(_ context.Context, _ Task, err error) {
	h.exhausted++
	h.lastErr = err
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetryPolicy_SucceedsFirstAttempt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &scriptedHandler{}

	err := testPolicy().Execute(context.Background(), testLogger(), Task{Type: TaskFetch}, handler)
	require.NoError(t, err)
	assert.Equal(t, 1, handler.calls)
	assert.Zero(t, handler.exhausted)
}

func TestRetryPolicy_RetryableRecovers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &scriptedHandler{
		failures: 2,
		err:      fmt.Errorf("transient: %w", ingestion.ErrAPIRateLimit),
	}

	err := testPolicy().Execute(context.Background(), testLogger(), Task{Type: TaskFetch}, handler)
	require.NoError(t, err)
	assert.Equal(t, 3, handler.calls)
	assert.Zero(t, handler.exhausted)
}

func TestRetryPolicy_ExhaustionCallsHook(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cause := fmt.Errorf("still down: %w", ingestion.ErrAPIFetch)
	handler := &scriptedHandler{failures: 10, err: cause}

	err := testPolicy().Execute(context.Background(), testLogger(), Task{Type: TaskFetch}, handler)
	require.Error(t, err)
	assert.Equal(t, 3, handler.calls, "policy allows exactly 3 attempts")
	assert.Equal(t, 1, handler.exhausted)
	assert.True(t, errors.Is(handler.lastErr, ingestion.ErrAPIFetch))
}

func TestRetryPolicy_NonRetryableFailsFast(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &scriptedHandler{
		failures: 10,
		err:      fmt.Errorf("permanent: %w", ingestion.ErrAPINotFound),
	}

	err := testPolicy().Execute(context.Background(), testLogger(), Task{Type: TaskFetch}, handler)
	require.Error(t, err)
	assert.Equal(t, 1, handler.calls, "non-retryable errors never re-attempt")
	assert.Zero(t, handler.exhausted, "the exhaustion hook is for retryable failures only")
}

func TestRetryPolicy_ContextCancellation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Hour, // would hang without cancellation
		MaxInterval:     time.Hour,
	}

	handler := &scriptedHandler{
		failures: 10,
		err:      fmt.Errorf("transient: %w", ingestion.ErrAPIFetch),
	}

	err := policy.Execute(ctx, testLogger(), Task{Type: TaskFetch}, handler)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "topic-a", Task{Type: TaskFetch, Ticker: "AAPL"}))
	require.NoError(t, q.Enqueue(ctx, "topic-a", Task{Type: TaskFetch, Ticker: "MSFT"}))

	q.FailTopics["topic-b"] = true
	require.ErrorIs(t, q.Enqueue(ctx, "topic-b", Task{Type: TaskNotify}), ErrEnqueueFailed)

	assert.Len(t, q.Tasks("topic-a"), 2)
	assert.Len(t, q.Drain("topic-a"), 2)
	assert.Empty(t, q.Tasks("topic-a"))
}
