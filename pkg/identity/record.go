package identity

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// Record is the persisted form of a DeviceIdentity.
type Record struct {
	DeviceID        string `json:"deviceId"`
	PrivateKey      string `json:"privateKey"`     // base64 PKCS#8 DER
	PublicKey       string `json:"publicKey"`      // base64 PKIX DER
	CertificateDER  string `json:"certificateDer"` // base64
	CertFingerprint string `json:"certFingerprint"`
}

// Record serializes the identity for storage.
func (d *DeviceIdentity) Record() (Record, error) {
	key, err := x509.MarshalPKCS8PrivateKey(d.PrivateKey)
	if err != nil {
		return Record{}, fmt.Errorf("marshal private key: %w", err)
	}
	return Record{
		DeviceID:        d.DeviceID,
		PrivateKey:      base64.StdEncoding.EncodeToString(key),
		PublicKey:       base64.StdEncoding.EncodeToString(d.PublicKey),
		CertificateDER:  base64.StdEncoding.EncodeToString(d.CertificateDER),
		CertFingerprint: d.CertFingerprint,
	}, nil
}

// FromRecord rebuilds an identity and checks it for tampering. Any mismatch
// between the certificate bytes, their recorded fingerprint, the key and the
// device id yields ErrIdentityCorrupted.
func FromRecord(r Record) (*DeviceIdentity, error) {
	certDER, err := base64.StdEncoding.DecodeString(r.CertificateDER)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate encoding: %v", ErrIdentityCorrupted, err)
	}
	if Fingerprint(certDER) != NormalizeFingerprint(r.CertFingerprint) {
		return nil, fmt.Errorf("%w: fingerprint does not match certificate", ErrIdentityCorrupted)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate: %v", ErrIdentityCorrupted, err)
	}

	keyDER, err := base64.StdEncoding.DecodeString(r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key encoding: %v", ErrIdentityCorrupted, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrIdentityCorrupted, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, want ECDSA", ErrIdentityCorrupted, parsed)
	}

	certPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !certPub.Equal(&key.PublicKey) {
		return nil, fmt.Errorf("%w: private key does not belong to certificate", ErrIdentityCorrupted)
	}

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	if r.PublicKey != "" {
		stored, err := base64.StdEncoding.DecodeString(r.PublicKey)
		if err != nil || !bytes.Equal(stored, pub) {
			return nil, fmt.Errorf("%w: public key does not match", ErrIdentityCorrupted)
		}
	}

	deviceID, err := DeviceIDFromCert(cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityCorrupted, err)
	}
	if r.DeviceID != "" && r.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: device id %q does not match certificate %q", ErrIdentityCorrupted, r.DeviceID, deviceID)
	}

	return &DeviceIdentity{
		DeviceID:        deviceID,
		PrivateKey:      key,
		PublicKey:       pub,
		CertificateDER:  certDER,
		CertFingerprint: Fingerprint(certDER),
		cert:            cert,
	}, nil
}
