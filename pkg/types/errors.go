package types

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrWorkerShutdownDuringTask is returned when a task process was
	// stopped because the worker itself is shutting down
	ErrWorkerShutdownDuringTask = errors.New("task stopped due to worker shutdown")

	// ErrInvalidArtifactURL marks artifact URLs rejected by the allow-list
	// or by the path guard
	ErrInvalidArtifactURL = errors.New("invalid artifact url")
)

// TaskError ends the current task with a specific status. The worker keeps
// polling afterwards.
type TaskError struct {
	Status Status
	Err    error
}

// NewTaskError wraps err with the status the task should resolve with
func NewTaskError(status Status, err error) *TaskError {
	return &TaskError{Status: status, Err: err}
}

// TaskErrorf is NewTaskError with a formatted message
func TaskErrorf(status Status, format string, args ...interface{}) *TaskError {
	return &TaskError{Status: status, Err: fmt.Errorf(format, args...)}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// RetryableError is a failure worth retrying, such as a bad upload status
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a RetryableError
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// DownloadError is a failed artifact download
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download of %s failed with status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download of %s failed: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err belongs to the retryable kinds: explicit
// retryable errors, download errors, HTTP client errors and timeouts.
// Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}

	var download *DownloadError
	if errors.As(err, &download) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// StatusOf returns the status carried by a TaskError in err's chain
func StatusOf(err error) (Status, bool) {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Status, true
	}
	return 0, false
}
