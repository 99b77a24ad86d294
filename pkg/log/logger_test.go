package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestMultiLoggerFansOut(t *testing.T) {
	var a, b []string
	m := NewMultiLogger(
		LoggerFunc(func(e Event) { a = append(a, e.ConnectionID) }),
		nil,
		LoggerFunc(func(e Event) { b = append(b, e.ConnectionID) }),
	)

	m.Log(Event{ConnectionID: "one"})
	m.Log(Event{ConnectionID: "two"})

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("got %d and %d events, want 2 each", len(a), len(b))
	}
	if a[1] != "two" || b[0] != "one" {
		t.Errorf("order not preserved: %v %v", a, b)
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) should return NoopLogger")
	}
	var l NoopLogger
	l.Log(Event{})
}

func TestSlogAdapterMessageEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewSlogAdapter(logger).Log(Event{
		ConnectionID:    "conn-9",
		Direction:       DirectionIn,
		Layer:           LayerWire,
		PeerFingerprint: "0123456789abcdef0123456789abcdef",
		Message:         &MessageEvent{Type: "NOISE_SUBSCRIBE", RequestID: "r-1"},
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	checks := map[string]string{
		"msg":        "protocol",
		"conn_id":    "conn-9",
		"layer":      "WIRE",
		"msg_type":   "NOISE_SUBSCRIBE",
		"request_id": "r-1",
		"peer_fp":    "0123456789abcdef",
	}
	for k, want := range checks {
		if entry[k] != want {
			t.Errorf("%s = %v, want %q", k, entry[k], want)
		}
	}
}

func TestSlogAdapterSkippedAboveDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	NewSlogAdapter(logger).Log(Event{ConnectionID: "quiet"})

	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got %q", buf.String())
	}
}
