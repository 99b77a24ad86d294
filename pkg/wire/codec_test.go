package wire

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestEncodeTypeFirst(t *testing.T) {
	data, err := Encode(&Ping{Timestamp: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"PING","timestamp":1}`, string(data))

	data, err = Encode(&NoiseUnsubscribeResult{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"NOISE_UNSUBSCRIBE_RESULT","unsubscribed":false}`, string(data))
}

func TestEncodeEmptyBody(t *testing.T) {
	data, err := Encode(&PairReject{})
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "PAIR_REJECT", obj["type"])
}

func TestDecodeEveryVariant(t *testing.T) {
	messages := []Message{
		&Ping{Timestamp: 42},
		&Pong{Timestamp: 42},
		&PairRequest{DeviceID: "l", CertFingerprint: "fp", PublicKey: "pk", PakeShare: "pa"},
		&PairChallenge{PairingSessionID: "s", DeviceID: "m", CertFingerprint: "fp", PublicKey: "pk", PakeShare: "pb", AuthTag: "t", KeyConfirm: "k"},
		&PairConfirm{PairingSessionID: "s", AuthTag: "t", KeyConfirm: "k"},
		&PairAccept{PairingSessionID: "s", DeviceID: "m"},
		&PairReject{Reason: RejectExpired},
		&NoiseEvent{TimestampMs: 1700000000000, PeakLevel: 87},
		&NoiseSubscribe{RequestID: "r", DeliveryToken: "tok", Platform: "android", LeaseSeconds: intPtr(60)},
		&NoiseSubscribeResult{RequestID: "r", SubscriptionID: "sub", DeviceID: "l", ExpiresAt: 10, AcceptedLeaseSeconds: 60},
		&NoiseUnsubscribe{RequestID: "r", SubscriptionID: "sub"},
		&NoiseUnsubscribeResult{RequestID: "r", DeviceID: "l", Unsubscribed: true},
		&HTTPRequest{RequestID: "h", Method: "GET", Path: "/health"},
		&HTTPResponse{RequestID: "h", Status: 200, Body: json.RawMessage(`{"status":"ok"}`)},
	}

	for _, m := range messages {
		t.Run(string(m.Type()), func(t *testing.T) {
			data, err := Encode(m)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestDecodeFCMTokenAlias(t *testing.T) {
	got, err := Decode([]byte(`{"type":"NOISE_SUBSCRIBE","fcmToken":"abc","platform":"ios","threshold":70}`))
	require.NoError(t, err)

	sub := got.(*NoiseSubscribe)
	assert.Equal(t, "abc", sub.DeliveryToken)
	assert.Equal(t, 70, *sub.Threshold)
	assert.Nil(t, sub.LeaseSeconds)

	got, err = Decode([]byte(`{"type":"NOISE_UNSUBSCRIBE","fcmToken":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", got.(*NoiseUnsubscribe).DeliveryToken)

	// deliveryToken wins when both are given
	got, err = Decode([]byte(`{"type":"NOISE_SUBSCRIBE","fcmToken":"old","deliveryToken":"new"}`))
	require.NoError(t, err)
	assert.Equal(t, "new", got.(*NoiseSubscribe).DeliveryToken)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{"array", `[1,2]`, "not a JSON object"},
		{"garbage", `{`, "not a JSON object"},
		{"missing type", `{"timestamp":1}`, "missing type"},
		{"empty type", `{"type":""}`, "missing type"},
		{"numeric type", `{"type":5}`, "not a JSON object"},
		{"unknown type", `{"type":"SHUTDOWN"}`, "unknown message type"},
		{"wrong field shape", `{"type":"PING","timestamp":"soon"}`, "invalid fields"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, IsFormatError(err))
			assert.True(t, strings.Contains(err.Error(), tt.reason), "error %q should mention %q", err, tt.reason)
		})
	}
}

func TestRequestID(t *testing.T) {
	assert.Equal(t, "r1", RequestID(&HTTPRequest{RequestID: "r1"}))
	assert.Equal(t, "s1", RequestID(&PairConfirm{PairingSessionID: "s1"}))
	assert.Equal(t, "", RequestID(&Ping{}))
}
