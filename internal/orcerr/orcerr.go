// Package orcerr defines the error kinds shared across the orchestrator.
// Components return these; the gateway maps kinds to HTTP status codes and
// the CLI maps them to sysexits-style exit codes.
package orcerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy purposes.
type Kind int

const (
	// KindInternal is the zero value: an unexpected failure.
	KindInternal Kind = iota
	// KindValidation is malformed input. Surfaced as 4xx, never an incident.
	KindValidation
	// KindNotFound is an absent resource.
	KindNotFound
	// KindConflict is a state-machine violation (channel edit on a running
	// team, duplicate team name, ...).
	KindConflict
	// KindDriverUnavailable means the container driver could not be reached.
	// Retry-safe.
	KindDriverUnavailable
	// KindDriverFailure means the driver completed but the operation failed
	// (image missing, port clash). Not retry-safe; operator intervention.
	KindDriverFailure
	// KindTransient is a temporarily failing dependency (chat disconnected).
	KindTransient
	// KindOverflowClosed marks a subscription terminated for being too slow.
	KindOverflowClosed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDriverUnavailable:
		return "driver_unavailable"
	case KindDriverFailure:
		return "driver_failure"
	case KindTransient:
		return "transient"
	case KindOverflowClosed:
		return "overflow_closed"
	default:
		return "internal"
	}
}

// Error carries a kind plus a human-readable message and optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, orcerr.E(kind)) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Msg == ""
}

// E returns a bare kind sentinel for use with errors.Is.
func E(k Kind) error { return &Error{Kind: k} }

// New builds an error of the given kind.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(k Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or KindInternal if untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the REST adapters return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindOverflowClosed:
		return http.StatusConflict
	case KindDriverUnavailable, KindTransient:
		return http.StatusServiceUnavailable
	case KindDriverFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Exit code conventions for the CLI wrapper (sysexits-flavored).
const (
	ExitOK          = 0
	ExitUsage       = 64 // usage / validation
	ExitUnavailable = 69 // dependency (driver) unavailable
	ExitInternal    = 70
	ExitTransient   = 75 // transient, retry
)

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindConflict:
		return ExitUsage
	case KindDriverUnavailable:
		return ExitUnavailable
	case KindTransient:
		return ExitTransient
	default:
		return ExitInternal
	}
}
