package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a governance failure.
type Kind string

const (
	// KindNotReady means the native object has not been acquired yet. Recoverable.
	KindNotReady Kind = "not_ready"
	// KindInteraction means a native call failed; the governor resets and re-acquires later.
	KindInteraction Kind = "interaction"
	// KindFatal means the failure cannot be handled at this level; the parent must reset.
	KindFatal Kind = "fatal"
	// KindAuthentication is a higher level failure that does not imply a broken link.
	KindAuthentication Kind = "authentication"
	// KindUnsupported means the binding does not implement the requested capability.
	KindUnsupported Kind = "unsupported"
	// KindNotFound means the requested object is not known to the binding.
	KindNotFound Kind = "not_found"
)

// Error is the structured error raised by bindings and governors.
type Error struct {
	Kind Kind
	URL  string
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.URL != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.URL)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, for use with errors.Is
var (
	ErrNotReady       = &Error{Kind: KindNotReady}
	ErrInteraction    = &Error{Kind: KindInteraction}
	ErrFatal          = &Error{Kind: KindFatal}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrUnsupported    = &Error{Kind: KindUnsupported}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

func newError(kind Kind, url fmt.Stringer, err error, format string, args ...any) error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
	if url != nil {
		e.URL = url.String()
	}
	return e
}

// NotReady builds a KindNotReady error.
func NotReady(url fmt.Stringer, format string, args ...any) error {
	return newError(KindNotReady, url, nil, format, args...)
}

// Interaction builds a KindInteraction error wrapping cause.
func Interaction(url fmt.Stringer, cause error, format string, args ...any) error {
	return newError(KindInteraction, url, cause, format, args...)
}

// Fatal builds a KindFatal error wrapping cause.
func Fatal(url fmt.Stringer, cause error, format string, args ...any) error {
	return newError(KindFatal, url, cause, format, args...)
}

// Authentication builds a KindAuthentication error wrapping cause.
func Authentication(url fmt.Stringer, cause error, format string, args ...any) error {
	return newError(KindAuthentication, url, cause, format, args...)
}

// Unsupported builds a KindUnsupported error.
func Unsupported(url fmt.Stringer, format string, args ...any) error {
	return newError(KindUnsupported, url, nil, format, args...)
}

// NotFound builds a KindNotFound error.
func NotFound(url fmt.Stringer, format string, args ...any) error {
	return newError(KindNotFound, url, nil, format, args...)
}

// KindOf returns the taxonomy kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRecoverable reports whether err is a transport-level failure (not-ready or
// interaction) that a later re-acquisition may cure.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrInteraction)
}

// IsRetryable reports whether a deferred computation failing with err should be queued
// for another attempt instead of failing its future.
func IsRetryable(err error) bool {
	return IsRecoverable(err) || errors.Is(err, ErrAuthentication)
}

// IsFatal reports whether err must be escalated to the parent governor.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
