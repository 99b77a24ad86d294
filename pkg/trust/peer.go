package trust

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/cribcall/cribcall-go/pkg/identity"
)

// Peer is a remote device whose certificate fingerprint is trusted.
type Peer struct {
	RemoteDeviceID  string `json:"remoteDeviceId"`
	Name            string `json:"name,omitempty"`
	CertFingerprint string `json:"certFingerprint"`
	AddedAtEpochSec int64  `json:"addedAtEpochSec"`

	// CertificateDER is kept when the full certificate was seen during pairing.
	CertificateDER []byte `json:"certificateDer,omitempty"`

	// DeliveryToken is the peer's latest push token, if it subscribed.
	DeliveryToken string `json:"deliveryToken,omitempty"`
}

// PeerFromCertificate builds a Peer from a DER certificate, deriving the
// fingerprint and the device id from the certificate itself.
func PeerFromCertificate(certDER []byte, name string) (Peer, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return Peer{}, fmt.Errorf("parse peer certificate: %w", err)
	}
	deviceID, err := identity.DeviceIDFromCert(cert)
	if err != nil {
		return Peer{}, err
	}
	if name == "" {
		name = deviceID
	}
	return Peer{
		RemoteDeviceID:  deviceID,
		Name:            name,
		CertFingerprint: identity.Fingerprint(certDER),
		AddedAtEpochSec: time.Now().Unix(),
		CertificateDER:  bytes.Clone(certDER),
	}, nil
}

// Validate checks the peer record for internal consistency.
func (p Peer) Validate() error {
	if p.RemoteDeviceID == "" {
		return fmt.Errorf("%w: remote device id is required", ErrInvalidPeer)
	}
	if !identity.ValidFingerprint(p.CertFingerprint) {
		return fmt.Errorf("%w: bad fingerprint %q", ErrInvalidPeer, p.CertFingerprint)
	}
	if len(p.CertificateDER) > 0 && identity.Fingerprint(p.CertificateDER) != p.CertFingerprint {
		return fmt.Errorf("%w: fingerprint does not match certificate", ErrInvalidPeer)
	}
	return nil
}
