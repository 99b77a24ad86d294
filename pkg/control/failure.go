package control

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a channel ended in the error state.
type FailureKind string

const (
	// FingerprintMismatch means the monitor certificate did not match the pin.
	FingerprintMismatch FailureKind = "fingerprintMismatch"

	// TransportClosed means the underlying stream failed.
	TransportClosed FailureKind = "transportClosed"

	// ProtocolViolation means a malformed, oversized or unknown frame arrived.
	ProtocolViolation FailureKind = "protocolViolation"

	// HandshakeFailed means TLS or the WebSocket upgrade failed.
	HandshakeFailed FailureKind = "handshakeFailed"

	// ClosedByPeer means the peer ended the stream.
	ClosedByPeer FailureKind = "closedByPeer"

	// TrustRevoked means the local side closed the channel after removing
	// the peer from the trust store.
	TrustRevoked FailureKind = "trustRevoked"
)

// ErrClosed is returned by Send and Request once a channel has ended.
var ErrClosed = errors.New("control channel closed")

// Failure is the terminal cause of a channel.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the failure kind of err, or "" if err is not a *Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
