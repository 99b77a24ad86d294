package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Certificate parameters.
const (
	// URIScheme is the SAN URI scheme binding a device id into the certificate.
	URIScheme = "cribcall"

	// uriHost is the SAN URI host; the device id is the path.
	uriHost = "device"

	// CertValidity is the lifetime of a self-signed device certificate.
	// Trust is pinned by fingerprint, so expiry only forces re-pairing.
	CertValidity = 10 * 365 * 24 * time.Hour

	// FingerprintLength is the hex length of a SHA-256 fingerprint.
	FingerprintLength = 64
)

// Identity errors.
var (
	// ErrIdentityCorrupted means the persisted bytes do not match their
	// recorded fingerprint or the key does not belong to the certificate.
	// It is never repaired automatically.
	ErrIdentityCorrupted = errors.New("identity corrupted")

	// ErrNoDeviceID means a certificate carries no cribcall SAN URI.
	ErrNoDeviceID = errors.New("certificate has no device id")

	// ErrNotFound means the store holds no identity yet.
	ErrNotFound = errors.New("identity not found")
)

// DeviceIdentity is the long-lived key and self-signed certificate of a device.
// It is immutable once loaded.
type DeviceIdentity struct {
	DeviceID        string
	PrivateKey      *ecdsa.PrivateKey
	PublicKey       []byte // PKIX DER
	CertificateDER  []byte
	CertFingerprint string

	cert *x509.Certificate
}

// Generate creates a new P-256 identity. An empty deviceID is replaced by a
// random UUID.
func Generate(deviceID string) (*DeviceIdentity, error) {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	if strings.ContainsAny(deviceID, "/?#") {
		return nil, fmt.Errorf("invalid device id %q", deviceID)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   deviceID,
			Organization: []string{"CribCall"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(CertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		URIs:                  []*url.URL{DeviceURI(deviceID)},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return &DeviceIdentity{
		DeviceID:        deviceID,
		PrivateKey:      key,
		PublicKey:       pub,
		CertificateDER:  der,
		CertFingerprint: Fingerprint(der),
		cert:            cert,
	}, nil
}

// DeviceURI returns the SAN URI for a device id: cribcall://device/<id>.
func DeviceURI(deviceID string) *url.URL {
	return &url.URL{Scheme: URIScheme, Host: uriHost, Path: "/" + deviceID}
}

// Fingerprint returns the lowercase hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FingerprintCert returns the fingerprint of a parsed certificate.
func FingerprintCert(cert *x509.Certificate) string {
	return Fingerprint(cert.Raw)
}

// ValidFingerprint reports whether s looks like a hex SHA-256 fingerprint.
func ValidFingerprint(s string) bool {
	if len(s) != FingerprintLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// NormalizeFingerprint lowercases and strips ':' separators that some UIs add.
func NormalizeFingerprint(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
}

// DeviceIDFromCert extracts the device id from the cribcall SAN URI.
func DeviceIDFromCert(cert *x509.Certificate) (string, error) {
	for _, u := range cert.URIs {
		if u.Scheme == URIScheme && u.Host == uriHost {
			id := strings.TrimPrefix(u.Path, "/")
			if id != "" {
				return id, nil
			}
		}
	}
	return "", ErrNoDeviceID
}

// Certificate returns the parsed certificate.
func (d *DeviceIdentity) Certificate() *x509.Certificate {
	return d.cert
}

// TLSCertificate returns the identity as a tls.Certificate for both server
// and client roles.
func (d *DeviceIdentity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{d.CertificateDER},
		PrivateKey:  d.PrivateKey,
		Leaf:        d.cert,
	}
}
