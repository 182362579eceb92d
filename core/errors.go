package core

import (
	"errors"
	"fmt"
)

// ErrNotFound matches every *NotFoundError through errors.Is.
var ErrNotFound = errors.New("not found")

// ValidationError reports bad user input. It is always returned before any
// remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a document that vanished between read and write.
type NotFoundError struct {
	Collection string
	ID         string
}

func NewNotFoundError(collection, id string) *NotFoundError {
	return &NotFoundError{Collection: collection, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id %s not found", e.Collection, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// RemoteUnavailableError wraps a network or store failure of a single
// operation. Writes that fail this way are never retried.
type RemoteUnavailableError struct {
	Op  string
	Err error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("%s: remote unavailable: %v", e.Op, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error {
	return e.Err
}

// PartialCleanupError describes an object store side effect that failed
// independently of the document store outcome. It is logged, never returned
// as the result of the document level operation.
type PartialCleanupError struct {
	Op   string
	Path string
	Err  error
}

func (e *PartialCleanupError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PartialCleanupError) Unwrap() error {
	return e.Err
}

// Remote classifies err for operation op: validation and not-found errors
// pass through, anything else becomes a *RemoteUnavailableError.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) || errors.Is(err, ErrNotFound) {
		return err
	}
	var re *RemoteUnavailableError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteUnavailableError{Op: op, Err: err}
}
