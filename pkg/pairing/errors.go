package pairing

import (
	"errors"
	"fmt"

	"github.com/cribcall/cribcall-go/pkg/wire"
)

// Reason classifies a pairing failure.
type Reason string

// Pairing failure reasons.
const (
	ReasonTranscriptMismatch Reason = "transcriptMismatch"
	ReasonExpired            Reason = "expired"
	ReasonAttemptsExceeded   Reason = "attemptsExceeded"
	ReasonRejected           Reason = "rejected"
	ReasonNoActiveSession    Reason = "noActiveSession"
	ReasonSessionMismatch    Reason = "sessionMismatch"
	ReasonPAKEFailed         Reason = "pakeFailed"
	ReasonInvalidRequest     Reason = "invalidRequest"
	ReasonComparisonMismatch Reason = "comparisonMismatch"
)

// Error is a pairing failure. It ends the pairing session or stream, never
// the transport of the monitor.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pairing failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pairing failed (%s)", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same reason, so errors.Is works against
// the reason sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Reason == e.Reason
}

// Reason sentinels for errors.Is.
var (
	ErrTranscriptMismatch = &Error{Reason: ReasonTranscriptMismatch}
	ErrExpired            = &Error{Reason: ReasonExpired}
	ErrAttemptsExceeded   = &Error{Reason: ReasonAttemptsExceeded}
	ErrRejected           = &Error{Reason: ReasonRejected}
	ErrNoActiveSession    = &Error{Reason: ReasonNoActiveSession}
	ErrSessionMismatch    = &Error{Reason: ReasonSessionMismatch}
)

func failure(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf returns the reason of a pairing error, or "" if err is not one.
func ReasonOf(err error) Reason {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

// wireReason maps a Reason to its PAIR_REJECT reason string.
func wireReason(r Reason) string {
	switch r {
	case ReasonTranscriptMismatch, ReasonPAKEFailed:
		return wire.RejectTranscriptMismatch
	case ReasonExpired:
		return wire.RejectExpired
	case ReasonAttemptsExceeded:
		return wire.RejectAttemptsExceeded
	case ReasonNoActiveSession:
		return wire.RejectNoSession
	case ReasonSessionMismatch:
		return wire.RejectSessionMismatch
	case ReasonInvalidRequest:
		return wire.RejectInvalidRequest
	default:
		return wire.RejectByOperator
	}
}

// reasonFromWire maps a PAIR_REJECT reason string back to a Reason.
func reasonFromWire(s string) Reason {
	switch s {
	case wire.RejectTranscriptMismatch:
		return ReasonTranscriptMismatch
	case wire.RejectExpired:
		return ReasonExpired
	case wire.RejectAttemptsExceeded:
		return ReasonAttemptsExceeded
	case wire.RejectNoSession:
		return ReasonNoActiveSession
	case wire.RejectSessionMismatch:
		return ReasonSessionMismatch
	case wire.RejectInvalidRequest:
		return ReasonInvalidRequest
	default:
		return ReasonRejected
	}
}

// ArgumentError reports an unusable QR payload.
type ArgumentError struct {
	Field   string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid QR payload: %s: %s", e.Field, e.Message)
}
