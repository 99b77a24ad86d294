package api

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in {"error": ...} bodies.
const (
	ErrCodeClientCertRequired = "client_certificate_required"
	ErrCodeCertNotTrusted     = "certificate_not_trusted"
	ErrCodeInvalidBody        = "invalid_body"
	ErrCodeMissingToken       = "delivery_token_required"
	ErrCodeMissingIdentifier  = "delivery_token_or_subscription_id_required"
	ErrCodeMissingDevice      = "device_id_required"
	ErrCodeUpgradeFailed      = "upgrade_failed"
	ErrCodeUnavailable        = "unavailable"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error       string `json:"error"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	Role              string `json:"role"`
	MTLS              bool   `json:"mTLS"`
	Trusted           bool   `json:"trusted"`
	ClientFingerprint string `json:"clientFingerprint,omitempty"`
	Fingerprint       string `json:"fingerprint"`
	UptimeSec         int64  `json:"uptimeSec"`
	ActiveConnections int    `json:"activeConnections"`
}

// UnpairRequest is the optional body of POST /unpair.
type UnpairRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
}

// UnpairResponse is the body of a successful POST /unpair.
type UnpairResponse struct {
	Status   string `json:"status"`
	Unpaired bool   `json:"unpaired"`
}

// SubscribeResponse is the body of a successful POST /noise/subscribe.
type SubscribeResponse struct {
	SubscriptionID       string `json:"subscriptionId"`
	DeviceID             string `json:"deviceId"`
	ExpiresAt            int64  `json:"expiresAt"`
	AcceptedLeaseSeconds int    `json:"acceptedLeaseSeconds"`
}

// UnsubscribeResponse is the body of a successful POST /noise/unsubscribe.
type UnsubscribeResponse struct {
	DeviceID     string `json:"deviceId"`
	Unsubscribed bool   `json:"unsubscribed"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, ErrorResponse{Error: code})
}
