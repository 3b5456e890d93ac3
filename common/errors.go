package common

import (
	"errors"
	"fmt"
)

// ValidationError - Registry input rejected before any network activity.
type ValidationError struct {
	Field  string
	Reason string
}

func (err *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q: %v", err.Field, err.Reason)
}

// StorageError - Persistence layer failure. Fatal to the single job, not to
// the process.
type StorageError struct {
	Op  string
	Err error
}

func (err *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %v: %v", err.Op, err.Err)
}

func (err *StorageError) Unwrap() error {
	return err.Err
}

// Job failure classes.
var (
	// ErrNotFound - Unknown device or job ID.
	ErrNotFound = errors.New("not found")
	// ErrAuthFailure - Credentials rejected by the device. Not retried.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrUnreachable - Connection or timeout failure after bounded retries.
	ErrUnreachable = errors.New("device unreachable")
	// ErrPartialFailure - Some monitor sub-queries failed, good samples kept.
	ErrPartialFailure = errors.New("partial poll failure")
	// ErrJobRunning - An execution slot for the device and job kind is already held.
	ErrJobRunning = errors.New("job already running")
)
