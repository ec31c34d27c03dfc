package schedule

import (
	"errors"
	"fmt"
)

// Kind is the closed error-kind enumeration established at the schedule
// client boundary. Numeric wire codes from the external service are mapped
// to kinds here and never leak into sync/polling logic. Only NotFound and
// AlreadyExists alter control flow anywhere; everything else is fatal to
// the operation that hit it.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermissionDenied
	KindUnavailable
)

// Wire codes used by the external scheduling service.
const (
	CodeNotFound         = 5
	CodeAlreadyExists    = 6
	CodePermissionDenied = 7
	CodeUnavailable      = 14
)

// KindFromCode maps a numeric service code to a Kind.
func KindFromCode(code int) Kind {
	switch code {
	case CodeNotFound:
		return KindNotFound
	case CodeAlreadyExists:
		return KindAlreadyExists
	case CodePermissionDenied:
		return KindPermissionDenied
	case CodeUnavailable:
		return KindUnavailable
	default:
		return KindOther
	}
}

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindPermissionDenied:
		return "permission_denied"
	case KindUnavailable:
		return "unavailable"
	default:
		return "other"
	}
}

// Error is a schedule-service error carrying its Kind, the failed operation
// and the schedule (or namespace) id it concerned.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("schedule: %s %s: %s", e.Op, e.ID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// KindOf extracts the Kind of err, KindOther for foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }
