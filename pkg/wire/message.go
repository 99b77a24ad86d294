package wire

import "encoding/json"

// MessageType is the value of the "type" field.
type MessageType string

// Known message types.
const (
	TypePing MessageType = "PING"
	TypePong MessageType = "PONG"

	TypePairRequest   MessageType = "PAIR_REQUEST"
	TypePairChallenge MessageType = "PAIR_CHALLENGE"
	TypePairConfirm   MessageType = "PAIR_CONFIRM"
	TypePairAccept    MessageType = "PAIR_ACCEPT"
	TypePairReject    MessageType = "PAIR_REJECT"

	TypeNoiseEvent             MessageType = "NOISE_EVENT"
	TypeNoiseSubscribe         MessageType = "NOISE_SUBSCRIBE"
	TypeNoiseSubscribeResult   MessageType = "NOISE_SUBSCRIBE_RESULT"
	TypeNoiseUnsubscribe       MessageType = "NOISE_UNSUBSCRIBE"
	TypeNoiseUnsubscribeResult MessageType = "NOISE_UNSUBSCRIBE_RESULT"

	TypeHTTPRequest  MessageType = "HTTP_REQUEST"
	TypeHTTPResponse MessageType = "HTTP_RESPONSE"
)

// Message is one of the variants declared in this package.
type Message interface {
	Type() MessageType
	isMessage()
}

// Ping is a liveness probe. The receiver answers with a Pong echoing Timestamp.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a Ping.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// PairRequest opens a PIN pairing exchange. Sent by the listener.
type PairRequest struct {
	PairingSessionID string `json:"pairingSessionId,omitempty"`
	DeviceID         string `json:"deviceId"`
	DeviceName       string `json:"deviceName,omitempty"`
	CertFingerprint  string `json:"certFingerprint"`
	Certificate      string `json:"certificateDer,omitempty"` // base64 DER
	PublicKey        string `json:"publicKey"`                // base64 PKIX DER
	PakeShare        string `json:"pakeShare"`                // base64 SPAKE2+ pA
}

// PairChallenge carries the monitor's PAKE share, transcript tag and
// SPAKE2+ key confirmation.
type PairChallenge struct {
	PairingSessionID string `json:"pairingSessionId"`
	DeviceID         string `json:"deviceId"`
	MonitorName      string `json:"monitorName,omitempty"`
	CertFingerprint  string `json:"certFingerprint"`
	PublicKey        string `json:"publicKey"`
	PakeShare        string `json:"pakeShare"`
	AuthTag          string `json:"authTag"`
	KeyConfirm       string `json:"keyConfirm"`
}

// PairConfirm carries the listener's transcript tag and key confirmation.
type PairConfirm struct {
	PairingSessionID string `json:"pairingSessionId"`
	AuthTag          string `json:"authTag"`
	KeyConfirm       string `json:"keyConfirm"`
}

// PairAccept tells the listener that the monitor has recorded it as trusted.
type PairAccept struct {
	PairingSessionID string `json:"pairingSessionId"`
	DeviceID         string `json:"deviceId"`
	ComparisonCode   string `json:"comparisonCode,omitempty"`
}

// PairReject ends a pairing exchange.
type PairReject struct {
	PairingSessionID string `json:"pairingSessionId,omitempty"`
	Reason           string `json:"reason"`
}

// Reject reasons.
const (
	RejectTranscriptMismatch = "transcript_mismatch"
	RejectExpired            = "expired"
	RejectAttemptsExceeded   = "attempts_exceeded"
	RejectByOperator         = "rejected"
	RejectNoSession          = "no_active_session"
	RejectSessionMismatch    = "session_mismatch"
	RejectInvalidRequest     = "invalid_request"
)

// NoiseEvent reports a detected noise peak.
type NoiseEvent struct {
	TimestampMs int64 `json:"timestampMs"`
	PeakLevel   int   `json:"peakLevel"`
}

// NoiseSubscribe registers a delivery token for noise alerts. It is also the
// body of POST /noise/subscribe.
type NoiseSubscribe struct {
	RequestID       string `json:"requestId,omitempty"`
	DeliveryToken   string `json:"deliveryToken,omitempty"`
	Platform        string `json:"platform,omitempty"`
	LeaseSeconds    *int   `json:"leaseSeconds,omitempty"`
	Threshold       *int   `json:"threshold,omitempty"`
	CooldownSeconds *int   `json:"cooldownSeconds,omitempty"`
}

// UnmarshalJSON accepts fcmToken as an alias of deliveryToken.
func (m *NoiseSubscribe) UnmarshalJSON(data []byte) error {
	type plain NoiseSubscribe
	var aux struct {
		plain
		FCMToken string `json:"fcmToken"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = NoiseSubscribe(aux.plain)
	if m.DeliveryToken == "" {
		m.DeliveryToken = aux.FCMToken
	}
	return nil
}

// NoiseSubscribeResult answers NoiseSubscribe.
type NoiseSubscribeResult struct {
	RequestID            string `json:"requestId,omitempty"`
	SubscriptionID       string `json:"subscriptionId,omitempty"`
	DeviceID             string `json:"deviceId,omitempty"`
	ExpiresAt            int64  `json:"expiresAt,omitempty"`
	AcceptedLeaseSeconds int    `json:"acceptedLeaseSeconds,omitempty"`
	Error                string `json:"error,omitempty"`
}

// NoiseUnsubscribe removes a subscription by token or by id. It is also the
// body of POST /noise/unsubscribe.
type NoiseUnsubscribe struct {
	RequestID      string `json:"requestId,omitempty"`
	DeliveryToken  string `json:"deliveryToken,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// UnmarshalJSON accepts fcmToken as an alias of deliveryToken.
func (m *NoiseUnsubscribe) UnmarshalJSON(data []byte) error {
	type plain NoiseUnsubscribe
	var aux struct {
		plain
		FCMToken string `json:"fcmToken"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = NoiseUnsubscribe(aux.plain)
	if m.DeliveryToken == "" {
		m.DeliveryToken = aux.FCMToken
	}
	return nil
}

// NoiseUnsubscribeResult answers NoiseUnsubscribe.
type NoiseUnsubscribeResult struct {
	RequestID    string `json:"requestId,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
	Unsubscribed bool   `json:"unsubscribed"`
	Error        string `json:"error,omitempty"`
}

// HTTPRequest tunnels an endpoint call over the control stream.
type HTTPRequest struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// HTTPResponse answers HTTPRequest.
type HTTPResponse struct {
	RequestID string          `json:"requestId"`
	Status    int             `json:"status"`
	Body      json.RawMessage `json:"body,omitempty"`
}

func (*Ping) Type() MessageType                   { return TypePing }
func (*Pong) Type() MessageType                   { return TypePong }
func (*PairRequest) Type() MessageType            { return TypePairRequest }
func (*PairChallenge) Type() MessageType          { return TypePairChallenge }
func (*PairConfirm) Type() MessageType            { return TypePairConfirm }
func (*PairAccept) Type() MessageType             { return TypePairAccept }
func (*PairReject) Type() MessageType             { return TypePairReject }
func (*NoiseEvent) Type() MessageType             { return TypeNoiseEvent }
func (*NoiseSubscribe) Type() MessageType         { return TypeNoiseSubscribe }
func (*NoiseSubscribeResult) Type() MessageType   { return TypeNoiseSubscribeResult }
func (*NoiseUnsubscribe) Type() MessageType       { return TypeNoiseUnsubscribe }
func (*NoiseUnsubscribeResult) Type() MessageType { return TypeNoiseUnsubscribeResult }
func (*HTTPRequest) Type() MessageType            { return TypeHTTPRequest }
func (*HTTPResponse) Type() MessageType           { return TypeHTTPResponse }

func (*Ping) isMessage()                   {}
func (*Pong) isMessage()                   {}
func (*PairRequest) isMessage()            {}
func (*PairChallenge) isMessage()          {}
func (*PairConfirm) isMessage()            {}
func (*PairAccept) isMessage()             {}
func (*PairReject) isMessage()             {}
func (*NoiseEvent) isMessage()             {}
func (*NoiseSubscribe) isMessage()         {}
func (*NoiseSubscribeResult) isMessage()   {}
func (*NoiseUnsubscribe) isMessage()       {}
func (*NoiseUnsubscribeResult) isMessage() {}
func (*HTTPRequest) isMessage()            {}
func (*HTTPResponse) isMessage()           {}

// RequestID returns the correlation id carried by m, if any.
func RequestID(m Message) string {
	switch v := m.(type) {
	case *NoiseSubscribe:
		return v.RequestID
	case *NoiseSubscribeResult:
		return v.RequestID
	case *NoiseUnsubscribe:
		return v.RequestID
	case *NoiseUnsubscribeResult:
		return v.RequestID
	case *HTTPRequest:
		return v.RequestID
	case *HTTPResponse:
		return v.RequestID
	case *PairRequest:
		return v.PairingSessionID
	case *PairChallenge:
		return v.PairingSessionID
	case *PairConfirm:
		return v.PairingSessionID
	case *PairAccept:
		return v.PairingSessionID
	case *PairReject:
		return v.PairingSessionID
	default:
		return ""
	}
}
