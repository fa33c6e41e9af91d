// Package errs implements the kernel's error taxonomy (spec §7).
//
// Infrastructure errors (Validation, NotFound, Forbidden, QueueFull,
// BuildError) are returned, never thrown/panicked across a component
// boundary. Handler panics are recovered by the processor and rewrapped as
// HandlerError. Every KernelError carries a Kind so callers can branch on
// taxonomy without string-matching messages, mirroring the "E_POLICY:",
// "E_NO_SUCH:" style prefixes the teacher used, but typed instead of
// sprintf'd into the message.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the eight error categories the spec defines in §7.
type Kind string

const (
	Validation   Kind = "validation"
	NotFound     Kind = "not_found"
	Forbidden    Kind = "forbidden"
	QueueFull    Kind = "queue_full"
	Timeout      Kind = "timeout"
	HandlerError Kind = "handler_error"
	BuildError   Kind = "build_error"
	Internal     Kind = "internal"
)

// KernelError is the uniform error shape returned across component
// boundaries: {kind, message, cause}.
type KernelError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Cause }

// New builds a KernelError with no cause.
func New(kind Kind, message string) *KernelError {
	return &KernelError{Kind: kind, Message: message}
}

// Newf builds a KernelError with a formatted message.
func Newf(kind Kind, format string, args ...any) *KernelError {
	return &KernelError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a stack-carrying cause (via github.com/pkg/errors) to a new
// KernelError of the given kind. Used for handler_error and build_error,
// where the original cause's stack is worth keeping around for the error
// store.
func Wrap(kind Kind, cause error, message string) *KernelError {
	if cause == nil {
		return New(kind, message)
	}
	return &KernelError{Kind: kind, Message: message, Cause: errors.WithStack(cause)}
}

// KindOf extracts the Kind of err if it is (or wraps) a *KernelError, and
// Internal otherwise.
func KindOf(err error) Kind {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return Internal
}

// Is reports whether err is a *KernelError of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
