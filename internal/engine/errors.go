package engine

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when the engine does not know the task.
var ErrTaskNotFound = errors.New("engine: task not found")

// TransientError is a network failure or a 5xx response. The call may succeed
// if repeated.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a rejected request (4xx or an error body).
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// FailureError reports that the engine finished a task unsuccessfully.
type FailureError struct {
	Code    StatusCode
	Message string
}

func (e *FailureError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine reported %s", e.Code)
	}
	return fmt.Sprintf("engine reported %s: %s", e.Code, e.Message)
}

// UploadError names the image batch that exhausted its attempts.
type UploadError struct {
	Batch    int // 1-indexed
	Batches  int
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload batch %d/%d failed after %d attempts: %v", e.Batch, e.Batches, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
