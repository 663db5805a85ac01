package tools

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed tool call. The set is closed.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindRejected         Kind = "rejected"
	KindInvalidArguments Kind = "invalid_arguments"
	KindUnavailable      Kind = "unavailable"
)

// Error is the typed failure of a tool call.
type Error struct {
	Kind      Kind   `json:"kind"`
	Operation string `json:"operation,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether retrying the call could succeed.
func (e *Error) IsRecoverable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnavailable
}

// Rejected returns an error for a call the provider refused.
func Rejected(format string, args ...any) *Error {
	return &Error{Kind: KindRejected, Message: fmt.Sprintf(format, args...)}
}

// InvalidArguments returns an error for malformed call arguments.
func InvalidArguments(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArguments, Message: fmt.Sprintf(format, args...)}
}

// Unavailable returns an error for a provider that could not be reached.
func Unavailable(format string, args ...any) *Error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a tool error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var toolErr *Error
	if errors.As(err, &toolErr) {
		return toolErr.Kind, true
	}
	return "", false
}

// classify converts any error returned by a tool function into an *Error.
// Errors that are already typed keep their kind.
func classify(operation string, err error) *Error {
	var toolErr *Error
	if errors.As(err, &toolErr) {
		out := *toolErr
		if out.Operation == "" {
			out.Operation = operation
		}
		return &out
	}
	kind := KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Operation: operation, Message: err.Error(), Err: err}
}
