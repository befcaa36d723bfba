package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	// ErrValidation marks bad task configuration; it is rejected
	// synchronously and never reaches the store.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a task or file id that does not resolve to a row.
	ErrNotFound = errors.New("resource not found")

	// ErrStoreBusy marks transient store contention that survived the
	// internal bounded retry.
	ErrStoreBusy = errors.New("store busy")

	// ErrAlreadyRunning marks an operation that conflicts with an
	// already-registered worker for the task.
	ErrAlreadyRunning = errors.New("task already running")

	// ErrNotRunning marks a pause/stop against a task with no worker.
	ErrNotRunning = errors.New("task not running")

	// ErrCollaborator marks a failed OCR/embedding/extraction call for a
	// single file; it is recorded on the file and never aborts the batch.
	ErrCollaborator = errors.New("collaborator call failed")

	// ErrNoMatch marks a document where no page cleared the thresholds.
	ErrNoMatch = errors.New("no matching page")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func ValidationErrorf(format string, args ...interface{}) error {
	return NewAppError("VALIDATION_ERROR", fmt.Sprintf(format, args...), ErrValidation)
}
