package log

import "testing"

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"direction in", DirectionIn.String(), "IN"},
		{"direction out", DirectionOut.String(), "OUT"},
		{"direction unknown", Direction(9).String(), "UNKNOWN"},
		{"layer transport", LayerTransport.String(), "TRANSPORT"},
		{"layer wire", LayerWire.String(), "WIRE"},
		{"layer pairing", LayerPairing.String(), "PAIRING"},
		{"layer control", LayerControl.String(), "CONTROL"},
		{"layer unknown", Layer(9).String(), "UNKNOWN"},
		{"category message", CategoryMessage.String(), "MESSAGE"},
		{"category state", CategoryState.String(), "STATE"},
		{"category error", CategoryError.String(), "ERROR"},
		{"role monitor", RoleMonitor.String(), "MONITOR"},
		{"role listener", RoleListener.String(), "LISTENER"},
		{"role unset", Role(0).String(), "UNKNOWN"},
		{"entity channel", StateEntityChannel.String(), "CHANNEL"},
		{"entity pairing", StateEntityPairingSession.String(), "PAIRING_SESSION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("String() = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestEventCBORRoundTrip(t *testing.T) {
	in := Event{
		ConnectionID:    "c-1",
		Direction:       DirectionOut,
		Layer:           LayerControl,
		Category:        CategoryState,
		LocalRole:       RoleMonitor,
		PeerFingerprint: "ab12",
		StateChange: &StateChangeEvent{
			Entity:   StateEntityChannel,
			OldState: "connecting",
			NewState: "connected",
		},
	}

	data, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}

	if out.ConnectionID != in.ConnectionID || out.PeerFingerprint != in.PeerFingerprint {
		t.Errorf("identifiers = %q/%q, want %q/%q", out.ConnectionID, out.PeerFingerprint, in.ConnectionID, in.PeerFingerprint)
	}
	if out.StateChange == nil || out.StateChange.NewState != "connected" {
		t.Errorf("StateChange = %+v, want NewState connected", out.StateChange)
	}
	if out.Frame != nil || out.Message != nil {
		t.Error("unset payloads should stay nil")
	}
}
