// Package ieerrors defines the typed error taxonomy shared by every
// intent-engine component: caller errors, resource errors, and
// integrity errors.
package ieerrors

import (
	"errors"
	"fmt"
)

// Kind names one error category. Kinds are never changed by
// wrapping; higher layers add context with %w instead.
type Kind string

const (
	// Caller errors
	KindInvalidArgument    Kind = "InvalidArgument"
	KindNotAProject        Kind = "NotAProject"
	KindTaskNotFound       Kind = "TaskNotFound"
	KindNoFocus            Kind = "NoFocus"
	KindIncompleteChildren Kind = "IncompleteChildren"
	KindBlocked            Kind = "Blocked"
	KindCircularDependency Kind = "CircularDependency"
	KindDependencyNotFound Kind = "DependencyNotFound"
	KindDuplicateInPlan    Kind = "DuplicateInPlan"
	KindUnknownEventType   Kind = "UnknownEventType"
	KindUnknownStatus      Kind = "UnknownStatus"

	// Resource errors
	KindStoreUnavailable Kind = "StoreUnavailable"
	KindPermissionDenied Kind = "PermissionDenied"
	KindLockBusy         Kind = "LockBusy"
	KindPortInUse        Kind = "PortInUse"

	// Integrity errors
	KindIntegrityViolation Kind = "IntegrityViolation"
	KindCorruptState       Kind = "CorruptState"
)

// Error is the structured error carried across component boundaries.
// It wraps an optional Cause so errors.As/errors.Unwrap still reach
// the underlying error while ieerrors.Is/As still recover the Kind.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Cause == nil:
		return string(e.Kind)
	case e.Message == "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	case e.Cause == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
}

// Unwrap exposes Cause so errors.As/errors.Is traverse through it.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a typed Error with optional details.
func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// Wrap attaches a Kind to an underlying error without obscuring it:
// the returned *Error carries cause in its chain, so both
// errors.Unwrap and ieerrors.As reach the original error.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As recovers the first (outermost) *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// HTTPStatus maps a Kind to the status code 
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument, KindUnknownEventType, KindUnknownStatus, KindDuplicateInPlan, KindDependencyNotFound:
		return 400
	case KindTaskNotFound, KindNotAProject:
		return 404
	case KindBlocked, KindIncompleteChildren, KindCircularDependency, KindNoFocus:
		return 409
	case KindStoreUnavailable, KindPermissionDenied, KindLockBusy, KindPortInUse, KindIntegrityViolation, KindCorruptState:
		return 500
	default:
		return 500
	}
}

// ExitCode maps a Kind to the CLI exit code 
func (k Kind) ExitCode() int {
	switch k {
	case KindNotAProject:
		return 3
	case KindStoreUnavailable, KindIntegrityViolation, KindCorruptState:
		return 2
	default:
		return 1
	}
}
