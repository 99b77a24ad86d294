package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/cribcall/cribcall-go/pkg/identity"
)

// TLS constants for cribcall control connections.
const (
	// ALPNProtocol is the application protocol identifier.
	ALPNProtocol = "cribcall-ctrl"

	// ALPNHTTP11 is offered as a fallback for plain HTTPS clients.
	ALPNHTTP11 = "http/1.1"

	// DefaultControlPort is the default control server port.
	DefaultControlPort = 48080

	// DefaultPairingPort is the default pairing server port.
	DefaultPairingPort = 48081
)

// ErrUntrustedPeer is returned when a client certificate is not in the trust store.
var ErrUntrustedPeer = errors.New("peer certificate not trusted")

// ErrNoPeerCertificate is returned when the peer presented no certificate.
var ErrNoPeerCertificate = errors.New("no peer certificate")

// FingerprintMismatchError reports a server certificate that does not match
// the pinned fingerprint.
type FingerprintMismatchError struct {
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("fingerprint mismatch: expected %s, peer presented no certificate", e.Expected)
	}
	return fmt.Sprintf("fingerprint mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// IsFingerprintMismatch reports whether err contains a FingerprintMismatchError.
func IsFingerprintMismatch(err error) bool {
	var fm *FingerprintMismatchError
	return errors.As(err, &fm)
}

var curvePreferences = []tls.CurveID{
	tls.X25519,
	tls.CurveP256,
}

// NewServerTLSConfig creates the TLS configuration for a monitor server.
//
// With verify set, a client certificate is required and verify is called with
// its DER bytes during the handshake. With verify nil, a certificate is
// requested but optional and not checked; handlers decide per request.
func NewServerTLSConfig(id *identity.DeviceIdentity, verify func(certDER []byte) error) (*tls.Config, error) {
	if id == nil {
		return nil, fmt.Errorf("server identity is required")
	}

	cfg := &tls.Config{
		// TLS 1.3 only - no fallback
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		Certificates:     []tls.Certificate{id.TLSCertificate()},
		NextProtos:       []string{ALPNProtocol, ALPNHTTP11},
		CurvePreferences: curvePreferences,

		// Session tickets disabled (no resumption)
		SessionTicketsDisabled: true,
	}

	if verify == nil {
		cfg.ClientAuth = tls.RequestClientCert
		return cfg, nil
	}

	// Self-signed peers: no chain verification, trust is the fingerprint.
	cfg.ClientAuth = tls.RequireAnyClientCert
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrNoPeerCertificate
		}
		return verify(rawCerts[0])
	}
	return cfg, nil
}

// NewClientTLSConfig creates the TLS configuration for a listener connecting
// to a monitor whose certificate fingerprint is expectedFingerprint.
// The identity certificate is presented for mutual TLS.
func NewClientTLSConfig(id *identity.DeviceIdentity, expectedFingerprint string) (*tls.Config, error) {
	if id == nil {
		return nil, fmt.Errorf("client identity is required")
	}
	expected := identity.NormalizeFingerprint(expectedFingerprint)
	if !identity.ValidFingerprint(expected) {
		return nil, fmt.Errorf("invalid expected fingerprint %q", expectedFingerprint)
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		Certificates:     []tls.Certificate{id.TLSCertificate()},
		NextProtos:       []string{ALPNProtocol, ALPNHTTP11},
		CurvePreferences: curvePreferences,

		SessionTicketsDisabled: true,

		// Monitors are self-signed. The pin below replaces chain verification.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return &FingerprintMismatchError{Expected: expected}
			}
			if actual := identity.Fingerprint(rawCerts[0]); actual != expected {
				return &FingerprintMismatchError{Expected: expected, Actual: actual}
			}
			return nil
		},
	}, nil
}

// CheckServerPin verifies the negotiated peer certificate against the pin.
// Callers run it after the handshake as a second check independent of the
// TLS configuration in use.
func CheckServerPin(state tls.ConnectionState, expectedFingerprint string) error {
	expected := identity.NormalizeFingerprint(expectedFingerprint)
	if len(state.PeerCertificates) == 0 {
		return &FingerprintMismatchError{Expected: expected}
	}
	if actual := identity.FingerprintCert(state.PeerCertificates[0]); actual != expected {
		return &FingerprintMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}
