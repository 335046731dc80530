package tidemark

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common sentinel errors for the tidemark package.
var (
	// ErrClosed is returned when operations are attempted on a closed client
	// or store.
	ErrClosed = errors.New("client is closed")

	// ErrRecordNotFound is returned when a record does not exist locally.
	ErrRecordNotFound = errors.New("record not found")

	// ErrEntryNotFound is returned when an outbox entry does not exist.
	ErrEntryNotFound = errors.New("outbox entry not found")

	// ErrConflictNotFound is returned when a conflict record does not exist.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrCacheEmpty is returned when a fetch fails and no cached data exists
	// to fall back on. A non-empty cache absorbs fetch errors silently.
	ErrCacheEmpty = errors.New("cache empty and fetch failed")

	// ErrStorageCorruption is returned when local storage corruption is
	// detected.
	ErrStorageCorruption = errors.New("storage corruption detected")

	// ErrPermanentFailure marks an outbox entry that exhausted its retries.
	ErrPermanentFailure = errors.New("permanent sync failure")
)

// NetworkError is a transient remote-communication failure. Network errors
// are retried with backoff; a request timeout is classified identically.
type NetworkError struct {
	Op    string
	Cause error
}

func (e *NetworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("network: %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("network: %s", e.Op)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the underlying failure was a timeout.
func (e *NetworkError) Timeout() bool {
	var nerr net.Error
	if errors.As(e.Cause, &nerr) {
		return nerr.Timeout()
	}
	return errors.Is(e.Cause, context.DeadlineExceeded)
}

func newNetworkError(op string, cause error) *NetworkError {
	return &NetworkError{Op: op, Cause: cause}
}

// StorageError is a local durable-store I/O failure. The store does not
// retry; callers decide whether to fall back to remote truth.
type StorageError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage: %s [%s]: %v", e.Op, e.Key, e.Cause)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageCorruption && errors.Is(e.Cause, ErrStorageCorruption)
}

func newStorageError(op, key string, cause error) *StorageError {
	return &StorageError{Op: op, Key: key, Cause: cause}
}

// PermanentSyncFailure wraps an outbox entry that exhausted its retry
// budget. It is surfaced for manual user action, never silently discarded.
type PermanentSyncFailure struct {
	LocalID  string
	Attempts int
	Cause    error
}

func (e *PermanentSyncFailure) Error() string {
	return fmt.Sprintf("sync of %s permanently failed after %d attempts: %v",
		e.LocalID, e.Attempts, e.Cause)
}

func (e *PermanentSyncFailure) Unwrap() error {
	return e.Cause
}

// Is implements error matching for PermanentSyncFailure.
func (e *PermanentSyncFailure) Is(target error) bool {
	return target == ErrPermanentFailure
}

// IsRetryable reports whether an error should be retried with backoff.
// Only transient network failures (including timeouts) qualify; storage
// errors and context cancellation do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
