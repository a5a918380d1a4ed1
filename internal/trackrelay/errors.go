package trackrelay

import (
	"errors"
	"fmt"
)

var (
	ErrMappingNotFound = errors.New("mapping not found")
	ErrWriteConflict   = errors.New("mapping write conflict")
	ErrValidation      = errors.New("event rejected")
	ErrLoopDetected    = errors.New("loop detected")
	ErrInvalidInput    = errors.New("invalid input")
	ErrQueueFull       = errors.New("queue full")
	ErrNotImplemented  = errors.New("not implemented")
	ErrClosed          = errors.New("engine closed")
)

// ConflictError reports a lost optimistic write, including the version the
// writer expected and the version it found.
type ConflictError struct {
	Key             string
	ExpectedVersion string
	CurrentVersion  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping write conflict on %s: expected version %q, found %q", e.Key, e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrWriteConflict
}

type AdapterErrorKind string

const (
	AdapterNotFound         AdapterErrorKind = "not_found"
	AdapterRateLimited      AdapterErrorKind = "rate_limited"
	AdapterTransient        AdapterErrorKind = "transient"
	AdapterPermissionDenied AdapterErrorKind = "permission_denied"
)

// AdapterError classifies a failed platform API call. Kind drives the retry
// decision: transient and rate-limited calls are retried with backoff, the
// rest are not.
type AdapterError struct {
	Platform string
	Op       string
	Kind     AdapterErrorKind
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Platform, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Platform, e.Op, e.Kind)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is an adapter failure worth retrying.
func Retryable(err error) bool {
	var ae *AdapterError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == AdapterTransient || ae.Kind == AdapterRateLimited
}

// IsAdapterNotFound reports whether err is a platform 404.
func IsAdapterNotFound(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == AdapterNotFound
}
