package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the required HMAC key length.
const KeySize = 32

// Tag errors.
var (
	ErrInvalidKey  = errors.New("canonical: key must be 32 bytes")
	ErrTagMismatch = errors.New("canonical: authentication tag mismatch")
)

// Transcript is the record of a pairing exchange that both sides
// authenticate. Each side fills it from its own view; the tags only verify
// when both views agree field for field.
type Transcript struct {
	PairingSessionID string `json:"pairingSessionId"`

	MonitorDeviceID        string `json:"monitorDeviceId"`
	MonitorPublicKey       string `json:"monitorPublicKey"`
	MonitorCertFingerprint string `json:"monitorCertFingerprint"`

	ListenerDeviceID        string `json:"listenerDeviceId"`
	ListenerPublicKey       string `json:"listenerPublicKey"`
	ListenerCertFingerprint string `json:"listenerCertFingerprint"`

	// PAKE shares bind the tag to this exchange.
	MonitorShare  string `json:"pakeMonitorShare"`
	ListenerShare string `json:"pakeListenerShare"`
}

// CanonicalForm returns the canonical JSON string of t.
func (t Transcript) CanonicalForm() string {
	// A struct of strings always marshals.
	b, _ := Marshal(t)
	return string(b)
}

// AuthTag returns base64(HMAC-SHA256(key, canonical(payload))).
func AuthTag(payload any, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKey
	}
	data, err := Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return base64.StdEncoding.EncodeToString(mac(key, data)), nil
}

// VerifyTag checks tag against payload in constant time.
func VerifyTag(payload any, key []byte, tag string) error {
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	got, err := base64.StdEncoding.DecodeString(tag)
	if err != nil {
		return ErrTagMismatch
	}
	data, err := Marshal(payload)
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	if !hmac.Equal(got, mac(key, data)) {
		return ErrTagMismatch
	}
	return nil
}

func mac(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
