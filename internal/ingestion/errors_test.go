package ingestion

import (
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	retryable := []error{
		ErrAPITimeout,
		ErrAPIRateLimit,
		ErrAPIFetch,
		ErrStorageConnection,
		ErrStorageUpload,
		ErrDatabaseLockTimeout,
	}

	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("%v must be retryable", err)
		}

		// Wrapping must preserve the classification.
		if !IsRetryable(fmt.Errorf("context: %w", err)) {
			t.Errorf("wrapped %v must stay retryable", err)
		}
	}

	permanent := []error{
		ErrAPIAuthentication,
		ErrAPINotFound,
		ErrAPIClient,
		ErrStorageAuthentication,
		ErrStorageBucketNotFound,
		ErrInvalidDataFormat,
		ErrInvalidStateTransition,
		ErrInvalidState,
		ErrRunNotFound,
		ErrStockNotFound,
		ErrTableWrite,
		ErrTableMerge,
		ErrTableRead,
		ErrDuplicateActiveRun,
	}

	for _, err := range permanent {
		if IsRetryable(err) {
			t.Errorf("%v must not be retryable", err)
		}
	}

	// Unknown errors never spin the queue.
	if IsRetryable(fmt.Errorf("some bug")) {
		t.Error("unknown errors must not be retryable")
	}
}
