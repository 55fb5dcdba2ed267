package source

import (
	"errors"
	"fmt"
)

// Sentinel errors for source operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable indicates the backing store is unavailable.
	ErrUnavailable = errors.New("source unavailable")

	// ErrThrottled indicates the request was rate limited by the store.
	ErrThrottled = errors.New("request throttled")

	// ErrBadCursor indicates a cursor that does not identify a position
	// in the record set.
	ErrBadCursor = errors.New("cursor does not match source")

	// ErrBadRecord indicates a record that could not be decoded.
	ErrBadRecord = errors.New("malformed record")
)

// SourceError wraps source-specific errors with context.
type SourceError struct {
	// Op is the operation that failed (e.g., "Read", "List").
	Op string

	// Source is the source kind (e.g., "s3").
	Source Kind

	// Bucket is the bucket name, if applicable.
	Bucket string

	// Key is the object or file key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	if e.Key != "" {
		if e.Bucket != "" {
			return fmt.Sprintf("%s %s: %s/%s: %v", e.Source, e.Op, e.Bucket, e.Key, e.Err)
		}
		return fmt.Sprintf("%s %s: %s: %v", e.Source, e.Op, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Source, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBucketNotFound returns true if the error indicates the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsUnavailable returns true if the error indicates the store is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsBadCursor returns true if the error indicates an unusable cursor.
func IsBadCursor(err error) bool {
	return errors.Is(err, ErrBadCursor)
}

// IsBadRecord returns true if the error indicates an undecodable record.
func IsBadRecord(err error) bool {
	return errors.Is(err, ErrBadRecord)
}
