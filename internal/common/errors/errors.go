// Package errors defines the orchestration engine's error taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an AppError the way spec §7 enumerates error kinds.
type Kind string

const (
	KindValidation    Kind = "VALIDATION_ERROR"
	KindNotFound      Kind = "NOT_FOUND"
	KindConflict      Kind = "CONFLICT"
	KindTimeout       Kind = "TIMEOUT"
	KindParse         Kind = "PARSE_ERROR"
	KindChildProcess  Kind = "CHILD_PROCESS_ERROR"
	KindResource      Kind = "RESOURCE_ERROR"
	KindInternal      Kind = "INTERNAL_ERROR"
)

// AppError is the single error type every component surfaces to callers.
// It carries {kind, message, details} as required by spec §7 so that a
// terminal workflow state can persist and resume re-reads the same error.
type AppError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func newErr(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func NotFound(resource, id string) *AppError {
	return newErr(KindNotFound, fmt.Sprintf("%s %q not found", resource, id))
}

func Validation(field, message string) *AppError {
	return &AppError{
		Kind:    KindValidation,
		Message: fmt.Sprintf("validation failed for %q: %s", field, message),
		Details: map[string]any{"field": field},
	}
}

func Conflict(message string) *AppError { return newErr(KindConflict, message) }

func Timeout(message string) *AppError { return newErr(KindTimeout, message) }

func Parse(message string, details map[string]any) *AppError {
	return &AppError{Kind: KindParse, Message: message, Details: details}
}

func ChildProcess(message string, err error) *AppError {
	return &AppError{Kind: KindChildProcess, Message: message, Err: err}
}

func Resource(message string) *AppError { return newErr(KindResource, message) }

// Internal wraps an unexpected invariant violation, one that does not occur
// in correct operation. Constructing it does not log anything; logging it
// with context is left to the code that handles the error.
func Internal(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// Wrap preserves an existing AppError's kind, or falls back to Internal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Kind: ae.Kind, Message: fmt.Sprintf("%s: %s", message, ae.Message), Details: ae.Details, Err: err}
	}
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

func Is(err error, kind Kind) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}
