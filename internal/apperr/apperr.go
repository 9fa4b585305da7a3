// Package apperr defines the error kinds surfaced by the conversion service.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers at the API boundary.
type Kind string

const (
	KindDetectionFailed       Kind = "DetectionFailed"
	KindUnsupportedConversion Kind = "UnsupportedConversion"
	KindSessionNotFound       Kind = "SessionNotFound"
	KindFileNotFound          Kind = "FileNotFound"
	KindEngineUnavailable     Kind = "ConversionEngineUnavailable"
	KindConversionFailed      Kind = "ConversionFailed"
	KindPayloadTooLarge       Kind = "PayloadTooLarge"
	KindInternal              Kind = "InternalError"
	KindInvalidRequest        Kind = "InvalidRequest"
)

// Error is a classified failure. Message is safe to show to users; Err is
// kept for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrDetectionFailed       = &Error{Kind: KindDetectionFailed, Message: "unable to detect file format"}
	ErrUnsupportedConversion = &Error{Kind: KindUnsupportedConversion, Message: "conversion not supported"}
	ErrSessionNotFound       = &Error{Kind: KindSessionNotFound, Message: "session not found"}
	ErrFileNotFound          = &Error{Kind: KindFileNotFound, Message: "file not found"}
	ErrEngineUnavailable     = &Error{Kind: KindEngineUnavailable, Message: "conversion engine unavailable"}
	ErrConversionFailed      = &Error{Kind: KindConversionFailed, Message: "conversion failed"}
	ErrPayloadTooLarge       = &Error{Kind: KindPayloadTooLarge, Message: "file too large"}
	ErrInternal              = &Error{Kind: KindInternal, Message: "internal error"}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest, Message: "invalid request body"}
)

// New builds a classified error with a user-facing message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a classified error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns the classified error, converting unclassified ones into a
// generic internal error that does not leak details.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: ErrInternal.Message, Err: err}
}
