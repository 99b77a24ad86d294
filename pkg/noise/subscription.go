package noise

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Lease bounds in seconds.
const (
	DefaultLeaseSeconds = 24 * 60 * 60
	MaxLeaseSeconds     = 7 * 24 * 60 * 60
	MinLeaseSeconds     = 1
)

// Subscription is a listener's registration for noise alerts.
// There is at most one per device id.
type Subscription struct {
	DeviceID          string `json:"deviceId"`
	CertFingerprint   string `json:"certFingerprint"`
	DeliveryToken     string `json:"deliveryToken"`
	Platform          string `json:"platform,omitempty"`
	SubscriptionID    string `json:"subscriptionId"`
	CreatedAtEpochSec int64  `json:"createdAtEpochSec"`
	ExpiresAtEpochSec int64  `json:"expiresAtEpochSec"`
	Threshold         *int   `json:"threshold,omitempty"`
	CooldownSeconds   *int   `json:"cooldownSeconds,omitempty"`
}

// Expired reports whether the lease has run out at now.
func (s Subscription) Expired(now time.Time) bool {
	return now.Unix() >= s.ExpiresAtEpochSec
}

// SubscriptionID derives the stable id of a device and token pair, so
// repeated subscribes with the same token collapse to one id.
func SubscriptionID(deviceID, token string) string {
	sum := sha256.Sum256([]byte(deviceID + ":" + token))
	return hex.EncodeToString(sum[:16])
}

// ClampLease returns the accepted lease for a requested one: nil or
// non-positive yields the default, anything above the maximum is capped.
func ClampLease(requested *int) int {
	if requested == nil || *requested <= 0 {
		return DefaultLeaseSeconds
	}
	lease := *requested
	if lease > MaxLeaseSeconds {
		return MaxLeaseSeconds
	}
	if lease < MinLeaseSeconds {
		return MinLeaseSeconds
	}
	return lease
}
