package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected or failed submission.
type Kind string

const (
	KindNotSupported Kind = "NOT_SUPPORTED"
	KindValidation   Kind = "VALIDATION_ERROR"
	KindOverloaded   Kind = "OVERLOADED"
	KindCanceled     Kind = "CANCELED"
	KindInternal     Kind = "INTERNAL_FAILURE"
)

var (
	ErrNotSupported = errors.New("language not supported")
	ErrValidation   = errors.New("validation error")
	ErrOverloaded   = errors.New("sandbox overloaded")
	ErrCanceled     = errors.New("submission canceled")
	ErrInternal     = errors.New("sandbox internal failure")

	// ErrProbeUnsupported is returned by Process.MemoryUsage when the backend
	// enforces the memory ceiling on its own.
	ErrProbeUnsupported = errors.New("memory probe unsupported")
)

var kindSentinels = map[Kind]error{
	KindNotSupported: ErrNotSupported,
	KindValidation:   ErrValidation,
	KindOverloaded:   ErrOverloaded,
	KindCanceled:     ErrCanceled,
	KindInternal:     ErrInternal,
}

// Error is returned by Submit when a request is rejected before producing a Result.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is.
func (e *Error) Unwrap() []error {
	errs := []error{kindSentinels[e.Kind]}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func notSupported(language string, cause error) *Error {
	return &Error{
		Kind:    KindNotSupported,
		Message: fmt.Sprintf("language %q is not supported", language),
		Field:   "language",
		Err:     cause,
	}
}

func validationFailed(field, format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf(format, args...),
		Field:   field,
	}
}

func overloaded(message string) *Error {
	return &Error{Kind: KindOverloaded, Message: message}
}

func canceled(cause error) *Error {
	return &Error{Kind: KindCanceled, Message: "request canceled by caller", Err: cause}
}

// KindOf returns the kind of a Submit error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
