// Package apperr carries the error kinds spec'd HTTP handlers need to
// distinguish, separate from plain store/process errors. It mirrors the
// separation the teacher keeps between plain repo errors and the
// status.Error(codes.X, ...) boundary in internal/exec — here adapted to an
// HTTP boundary instead of gRPC.
package apperr

import "errors"

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindPrecondition
)

// Error wraps a message with a Kind so handlers can map it to a status code
// without parsing strings.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, msg string) error {
	return &Error{Kind: k, Message: msg}
}

// Validation builds a KindValidation error, surfaced as HTTP 400.
func Validation(msg string) error { return newErr(KindValidation, msg) }

// NotFound builds a KindNotFound error, surfaced as HTTP 404.
func NotFound(msg string) error { return newErr(KindNotFound, msg) }

// Conflict builds a KindConflict error, surfaced as HTTP 409.
func Conflict(msg string) error { return newErr(KindConflict, msg) }

// Precondition builds a KindPrecondition error, surfaced as HTTP 400 with a
// phrase tests can match on (spec §7).
func Precondition(msg string) error { return newErr(KindPrecondition, msg) }

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// isn't an *Error (a bug, not a domain outcome — surfaced as 500).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
