// Package classify maps task-body errors onto the retryable/permanent
// taxonomy that drives the retry policy. Classification is a pure function
// over the error value so it can be unit-tested against a fixed table of
// error kinds.
package classify

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Class is the retry classification of a task-body error.
type Class int

const (
	// ClassRetryable covers transport/availability failures; re-attempting
	// the task could plausibly succeed.
	ClassRetryable Class = iota
	// ClassPermanent covers input-defect failures; re-attempting would fail
	// the same way.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "retryable"
}

// Permanent error kinds: defects in the input or the request itself.
var (
	ErrUnsupportedFormat = errors.New("unsupported input format")
	ErrCorruptFile       = errors.New("corrupt input file")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("not authorized for input")
	ErrInputTooLarge     = errors.New("input exceeds size limit")
)

// Retryable error kinds: the dependency, not the input, is at fault.
var (
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrRateLimited           = errors.New("rate limited by dependency")
)

// Error carries an explicit classification alongside the underlying error,
// making retryability a first-class value on the task-body contract instead
// of something inferred from the error's dynamic type.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Permanent wraps err as explicitly permanent.
func Permanent(err error) error {
	return &Error{Class: ClassPermanent, Err: err}
}

// Retryable wraps err as explicitly retryable.
func Retryable(err error) error {
	return &Error{Class: ClassRetryable, Err: err}
}

// Classify maps err to its retry class. Unrecognized errors default to
// retryable: misclassifying a transient failure as permanent silently wastes
// the retry budget, while the reverse only adds one avoidable terminal
// failure.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrCorruptFile),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInputTooLarge):
		return ClassPermanent
	}

	switch {
	case errors.Is(err, ErrDependencyUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	return ClassRetryable
}
