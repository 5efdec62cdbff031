package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for motiondex.
// It carries the failure kind, a human-readable message, and optional
// key-value details for logging. Internal causes are wrapped, never
// rendered into user-visible output.
type Error struct {
	// Kind classifies the failure (decode_error, io_error, ...).
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, enabling errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given kind and message.
// The retryable flag is derived from the kind.
func New(kind Kind, message string) *Error {
	if !kind.valid() {
		kind = KindInternal
	}
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: isRetryableKind(kind),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error from an existing error, preserving it as the cause.
// If err is already an *Error, its kind is kept unless it is internal;
// wrapping never downgrades a specific kind to a generic one.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if stderrors.As(err, &me) && me.Kind != KindInternal && kind == KindInternal {
		kind = me.Kind
	}
	e := New(kind, message)
	e.Cause = err
	return e
}

// FromContext converts a context error into the matching kind.
// Deadline expiry becomes a timeout, cancellation becomes cancelled.
// Non-context errors pass through unchanged.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, "deadline exceeded", err)
	case stderrors.Is(err, context.Canceled):
		return Wrap(KindCancelled, "operation cancelled", err)
	default:
		return err
	}
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for unclassified errors, empty for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if stderrors.As(err, &me) {
		return me.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable checks if an error is retryable.
// Unclassified errors are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var me *Error
	if stderrors.As(err, &me) {
		return me.Retryable
	}
	return false
}

// IsNotFound reports whether the error chain contains a not_found failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the user-visible message of an error. For unclassified
// errors a generic message is returned so internals never leak.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var me *Error
	if stderrors.As(err, &me) {
		return me.Message
	}
	return "internal error"
}

// Is re-exports the standard library matcher so callers need one import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As re-exports the standard library matcher so callers need one import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
