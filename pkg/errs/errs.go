// Package errs defines the discriminated error kinds shared by the
// scheduler and the agent, so callers can dispatch on kind rather than on
// string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a discriminated error category. Every boundary in this module
// returns an error that wraps one of these via New, so callers can recover
// it with errors.As(err, &kindErr) or the Is helper below.
type Kind string

const (
	KindNoCandidateAvailable        Kind = "NoCandidateAvailable"
	KindFailedToQueryHostCache      Kind = "FailedToQueryHostCache"
	KindHostLock                    Kind = "HostLock"
	KindAllocationOverBurst         Kind = "AllocationOverBurst"
	KindHostResourcesExtinguished   Kind = "HostResourcesExtinguished"
	KindFrameNoLongerAvailable      Kind = "FrameNoLongerAvailable"
	KindFailureAfterDispatch        Kind = "FailureAfterDispatch"
	KindFailedToStartOnDb           Kind = "FailedToStartOnDb"
	KindDbFailure                   Kind = "DbFailure"
	KindGrpcFailure                 Kind = "GrpcFailure"
	KindFailureGrpcConnection       Kind = "FailureGrpcConnection"
	KindAborted                     Kind = "Aborted"
	KindInvalidHardwareState        Kind = "InvalidHardwareState"
	KindInvalidArgument             Kind = "InvalidArgument"
	KindAlreadyExist                Kind = "AlreadyExist"
	KindNimbyLocked                 Kind = "NimbyLocked"
	KindNotEnoughResourcesAvailable Kind = "NotEnoughResourcesAvailable"
	KindReservationNotFound         Kind = "ReservationNotFound"
	KindSnapshotInvalid             Kind = "SnapshotInvalid"
)

// Error wraps an underlying cause with a discriminated Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kind-tagged error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a kind-tagged error around an existing cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err isn't a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
