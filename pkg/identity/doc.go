// Package identity generates and persists the per-device key and self-signed
// certificate.
//
// The certificate binds the device id as a SAN URI (cribcall://device/<id>).
// Its SHA-256 fingerprint is the only trust anchor used elsewhere: there is
// no CA chain and no hostname check.
package identity
