// Package errs defines the error kinds the core uses to classify failures
// and decide how they propagate (see design §7).
package errs

import "fmt"

// Kind classifies an error for propagation-policy purposes.
type Kind int

const (
	// KindConfig is a bad property value. Fatal at startup, rejects the
	// seat at add-seat time.
	KindConfig Kind = iota
	// KindIO covers pipe and spawn failures.
	KindIO
	// KindProtocol is a malformed frame from a greeter. Terminates the
	// Greeter and stops the Display.
	KindProtocol
	// KindAuth is forwarded from the host auth library verbatim.
	KindAuth
	// KindState is a programmer error: invalid call for the current state.
	// It aborts the operation without mutating state.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind as e, so
// callers can write errors.Is(err, &errs.Error{Kind: errs.KindProtocol}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newf(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Config builds a KindConfig error.
func Config(op string, format string, args ...any) *Error {
	return newf(KindConfig, op, nil, format, args...)
}

// IO builds a KindIO error, wrapping cause.
func IO(op string, cause error, format string, args ...any) *Error {
	return newf(KindIO, op, cause, format, args...)
}

// Protocol builds a KindProtocol error.
func Protocol(op string, format string, args ...any) *Error {
	return newf(KindProtocol, op, nil, format, args...)
}

// Auth builds a KindAuth error, wrapping the host-auth-library result.
func Auth(op string, cause error, format string, args ...any) *Error {
	return newf(KindAuth, op, cause, format, args...)
}

// State builds a KindState error — a programmer error that must not mutate
// state. Callers should log it and abort the single operation, never retry.
func State(op string, format string, args ...any) *Error {
	return newf(KindState, op, nil, format, args...)
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
