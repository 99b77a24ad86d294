package transport

import "context"

// TLSTransport is a mutually authenticated TLS endpoint.
type TLSTransport interface {
	// Start begins accepting connections. It returns once the listener is bound.
	Start(ctx context.Context) error

	// Stop closes the listener and every open connection.
	Stop() error

	// VerifyPeer computes the fingerprint of a peer certificate and reports
	// whether it is trusted.
	VerifyPeer(certDER []byte) (fingerprint string, err error)
}

// TrustChecker answers whether a certificate fingerprint is trusted.
// trust.Store satisfies it.
type TrustChecker interface {
	IsTrusted(fingerprint string) bool
}

// Conn is a live connection tracked by a Registry.
type Conn interface {
	// ID is the connection id used in logs and protocol events.
	ID() string

	// Fingerprint is the peer certificate fingerprint.
	Fingerprint() string

	// RemoteAddr is the peer address.
	RemoteAddr() string

	// Disconnect terminates the connection with a human-readable reason.
	Disconnect(reason string) error
}

// Verify interface compliance.
var _ TLSTransport = (*Server)(nil)
