package transport

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"

	"github.com/cribcall/cribcall-go/pkg/identity"
)

// PeerInfo describes the certificate a TLS peer presented.
type PeerInfo struct {
	// Presented is false when the peer sent no certificate.
	Presented bool

	// Fingerprint is the SHA-256 fingerprint of the leaf certificate.
	Fingerprint string

	// Certificate is the parsed leaf certificate.
	Certificate *x509.Certificate
}

// DeviceID returns the device id bound into the peer certificate, if any.
func (p PeerInfo) DeviceID() string {
	if p.Certificate == nil {
		return ""
	}
	id, err := identity.DeviceIDFromCert(p.Certificate)
	if err != nil {
		return ""
	}
	return id
}

// PeerFromState extracts the leaf certificate of a connection state.
func PeerFromState(state *tls.ConnectionState) PeerInfo {
	if state == nil || len(state.PeerCertificates) == 0 {
		return PeerInfo{}
	}
	leaf := state.PeerCertificates[0]
	return PeerInfo{
		Presented:   true,
		Fingerprint: identity.FingerprintCert(leaf),
		Certificate: leaf,
	}
}

// PeerFromRequest extracts the client certificate of an HTTPS request.
func PeerFromRequest(r *http.Request) PeerInfo {
	return PeerFromState(r.TLS)
}
