package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies caller-visible failures.
type ErrorKind string

const (
	InvalidGeometry        ErrorKind = "InvalidGeometry"
	OutOfRange             ErrorKind = "OutOfRange"
	InsufficientSources    ErrorKind = "InsufficientSources"
	SourceFetchFailure     ErrorKind = "SourceFetchFailure"
	ResolutionDisagreement ErrorKind = "ResolutionDisagreement"
	ValidationFailure      ErrorKind = "ValidationFailure"
	NotFound               ErrorKind = "NotFound"
	VersionConflict        ErrorKind = "VersionConflict"
	Timeout                ErrorKind = "Timeout"
	Internal               ErrorKind = "Internal"
)

// Error is a kinded error. Err optionally carries the cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a kinded error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapKind attaches a kind and message to an underlying error.
func WrapKind(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Deadline and
// cancellation errors map to Timeout; anything else is Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Internal
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
