// Package errs defines the error taxonomy shared by every core component.
// Callers distinguish failures by Kind, never by message text.
package errs

import "fmt"

// Kind is a stable error classification exposed across package boundaries.
type Kind string

const (
	NotFound    Kind = "NotFound"
	Conflict    Kind = "Conflict"
	Validation  Kind = "Validation"
	State       Kind = "State"
	Permission  Kind = "Permission"
	Ambiguous   Kind = "AmbiguousReference"
	Internal    Kind = "Internal"
)

// Error wraps a Kind with a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.NotFound) style checks via a sentinel wrapper.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotFoundf(format string, args ...interface{}) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...interface{}) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...interface{}) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func Statef(format string, args ...interface{}) *Error {
	return New(State, fmt.Sprintf(format, args...))
}

// AmbiguousReference carries the ambiguous ref, the match count, and sample
// ids so callers can render a useful disambiguation prompt.
type AmbiguousReference struct {
	Ref     string
	Count   int
	Samples []string
}

func (e *AmbiguousReference) Error() string {
	return fmt.Sprintf("AmbiguousReference: %q matches %d rows (samples: %v)", e.Ref, e.Count, e.Samples)
}

func (e *AmbiguousReference) Kind() Kind { return Ambiguous }

func NewAmbiguous(ref string, count int, samples []string) *AmbiguousReference {
	return &AmbiguousReference{Ref: ref, Count: count, Samples: samples}
}
