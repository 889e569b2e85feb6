package ingestion

import (
	"errors"
)

// Sentinel errors for the two worker error families. Every task error wraps
// one of the class errors below; IsRetryable walks the chain to decide
// whether the queue should re-attempt the task.
var (
	// ErrStockNotFound is returned when a requested stock ticker does not exist.
	ErrStockNotFound = errors.New("stock not found")

	// ErrRunNotFound is returned when a requested ingestion run does not exist.
	ErrRunNotFound = errors.New("ingestion run not found")

	// ErrBulkRunNotFound is returned when a requested bulk queue run does not exist.
	ErrBulkRunNotFound = errors.New("bulk queue run not found")

	// ErrDuplicateActiveRun is returned when creating a run would violate
	// the at-most-one-active-run-per-stock constraint. The API maps this to 409.
	ErrDuplicateActiveRun = errors.New("stock already has an active ingestion run")

	// ErrInvalidState indicates a task found its run in a state it cannot proceed from.
	ErrInvalidState = errors.New("run is in an invalid state for this task")
)

// Retryable error classes: transient failures that may succeed on re-attempt.
var (
	// ErrAPITimeout indicates the upstream request timed out.
	ErrAPITimeout = errors.New("api request timed out")

	// ErrAPIRateLimit indicates the upstream returned 429.
	ErrAPIRateLimit = errors.New("api rate limit exceeded")

	// ErrAPIFetch indicates an upstream connection failure or 5xx response.
	ErrAPIFetch = errors.New("api fetch failed")

	// ErrStorageConnection indicates the object store connection failed.
	ErrStorageConnection = errors.New("object store connection failed")

	// ErrStorageUpload indicates an object store upload failure.
	ErrStorageUpload = errors.New("object store upload failed")

	// ErrDatabaseLockTimeout indicates a row lock could not be acquired in time.
	ErrDatabaseLockTimeout = errors.New("database lock timeout")
)

// Non-retryable error classes: permanent failures a retry cannot fix.
var (
	// ErrAPIAuthentication indicates the upstream returned 401.
	ErrAPIAuthentication = errors.New("api authentication failed")

	// ErrAPINotFound indicates the upstream returned 404 for the ticker.
	ErrAPINotFound = errors.New("ticker not found in api")

	// ErrAPIClient indicates a non-429 upstream 4xx response.
	ErrAPIClient = errors.New("api client error")

	// ErrStorageAuthentication indicates object store authentication failed.
	ErrStorageAuthentication = errors.New("object store authentication failed")

	// ErrStorageBucketNotFound indicates the configured bucket does not exist.
	ErrStorageBucketNotFound = errors.New("object store bucket not found")

	// ErrInvalidDataFormat indicates the payload is empty or not valid JSON.
	ErrInvalidDataFormat = errors.New("invalid data format")

	// ErrTableWrite indicates the unified table could not be created.
	ErrTableWrite = errors.New("unified table write failed")

	// ErrTableMerge indicates the merge into the unified table failed.
	ErrTableMerge = errors.New("unified table merge failed")

	// ErrTableRead indicates the unified table could not be read.
	ErrTableRead = errors.New("unified table read failed")
)

// Run error codes persisted on FAILED runs and surfaced in notifications.
const (
	CodeAPIError              = "API_ERROR"
	CodeStorageAuthError      = "STORAGE_AUTH_ERROR"
	CodeStorageBucketNotFound = "STORAGE_BUCKET_NOT_FOUND"
	CodeStorageError          = "STORAGE_ERROR"
	CodeMissingRawData        = "MISSING_RAW_DATA"
	CodeDataTransformation    = "DATA_TRANSFORMATION_ERROR"
	CodeTableError            = "TABLE_ERROR"
	CodeMaxRetriesExceeded    = "MAX_RETRIES_EXCEEDED"
	CodeUnexpectedError       = "UNEXPECTED_ERROR"
	CodeBrokerError           = "BROKER_ERROR"
)

// retryableClasses is the closed set of transient error classes.
var retryableClasses = []error{
	ErrAPITimeout,
	ErrAPIRateLimit,
	ErrAPIFetch,
	ErrStorageConnection,
	ErrStorageUpload,
	ErrDatabaseLockTimeout,
}

// IsRetryable reports whether the error wraps one of the retryable classes.
// Everything else - including unknown errors - is treated as permanent, so a
// bug never spins the queue.
func IsRetryable(err error) bool {
	for _, class := range retryableClasses {
		if errors.Is(err, class) {
			return true
		}
	}

	return false
}
