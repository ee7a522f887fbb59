package tasks

import (
	"errors"
	"fmt"
)

// UnknownTaskError is returned when a task names a handler that was
// never registered. It is permanent: retrying cannot make the handler
// appear.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task handler: %s", e.Name)
}

// PermanentError marks a handler failure that must not be retried.
// The task is dead-lettered immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error so the worker dead-letters the task instead
// of scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err should skip the retry path. Unknown
// handlers and explicitly wrapped permanent errors qualify; everything
// else is treated as transient and retried up to the attempt ceiling.
func IsPermanent(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var unknown *UnknownTaskError
	return errors.As(err, &unknown)
}
