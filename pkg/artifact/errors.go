package artifact

import (
	"errors"
	"fmt"
)

// Sentinel errors for sink operations.
var (
	// ErrNotFound indicates the destination bucket or directory does not exist.
	ErrNotFound = errors.New("destination not found")

	// ErrAccessDenied indicates insufficient permissions on the destination.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the destination bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates the storage credentials were rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable indicates the storage service is unavailable.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrThrottled indicates the request was rate limited by the storage service.
	ErrThrottled = errors.New("request throttled")

	// ErrInvalidName indicates a run file name that would escape the destination.
	ErrInvalidName = errors.New("invalid file name")
)

// SinkKind identifies a destination backend.
type SinkKind string

const (
	SinkFile SinkKind = "file"
	SinkS3   SinkKind = "s3"
)

// SinkError wraps sink-specific errors with context.
type SinkError struct {
	// Op is the operation that failed (e.g., "Put", "New").
	Op string

	Sink SinkKind

	// Dest is the bucket or root directory.
	Dest string

	// Key is the object key or relative path, if applicable.
	Key string

	Err error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Sink, e.Op, e.Dest, e.Key, e.Err)
	}
	if e.Dest != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Sink, e.Op, e.Dest, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Sink, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SinkError) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsBucketNotFound returns true if the error indicates the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsInvalidCredentials returns true if the storage credentials were rejected.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}
