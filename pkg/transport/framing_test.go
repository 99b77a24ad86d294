package transport_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/transport"
)

func mustFrame(t *testing.T, payload string) []byte {
	t.Helper()
	f, err := transport.EncodeFrame([]byte(payload))
	if err != nil {
		t.Fatalf("EncodeFrame(%s) failed: %v", payload, err)
	}
	return f
}

func TestEncodeFrame(t *testing.T) {
	frame := mustFrame(t, `{"type":"PING"}`)
	if got := binary.BigEndian.Uint32(frame[:4]); got != 15 {
		t.Errorf("length prefix = %d, want 15", got)
	}
	if string(frame[4:]) != `{"type":"PING"}` {
		t.Errorf("payload = %q", frame[4:])
	}
}

func TestEncodeFrameRejectsNonObjects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"array", `[1,2]`},
		{"string", `"hello"`},
		{"number", `42`},
		{"invalid", `{"a":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transport.EncodeFrame([]byte(tt.payload))
			if !errors.Is(err, transport.ErrMalformedFrame) {
				t.Errorf("EncodeFrame(%q) error = %v, want ErrMalformedFrame", tt.payload, err)
			}
		})
	}
}

func TestDecoderChunkSplits(t *testing.T) {
	var stream []byte
	payloads := []string{`{"type":"PING","timestamp":1}`, `{"a":"é"}`, `{}`}
	for _, p := range payloads {
		stream = append(stream, mustFrame(t, p)...)
	}

	// Every chunk size from 1 byte to the whole stream yields the same frames.
	for size := 1; size <= len(stream); size++ {
		dec := transport.NewDecoder(0)
		var got []string
		for off := 0; off < len(stream); off += size {
			end := min(off+size, len(stream))
			frames, err := dec.Feed(stream[off:end])
			if err != nil {
				t.Fatalf("chunk size %d: Feed failed: %v", size, err)
			}
			for _, f := range frames {
				got = append(got, string(f))
			}
		}
		if len(got) != len(payloads) {
			t.Fatalf("chunk size %d: got %d frames, want %d", size, len(got), len(payloads))
		}
		for i := range payloads {
			if got[i] != payloads[i] {
				t.Errorf("chunk size %d: frame %d = %s, want %s", size, i, got[i], payloads[i])
			}
		}
		if dec.Buffered() != 0 {
			t.Errorf("chunk size %d: %d bytes still buffered", size, dec.Buffered())
		}
	}
}

func TestDecoderPartialFrame(t *testing.T) {
	frame := mustFrame(t, `{"type":"PONG"}`)
	dec := transport.NewDecoder(0)

	frames, err := dec.Feed(frame[:len(frame)-1])
	if err != nil || len(frames) != 0 {
		t.Fatalf("Feed(partial) = %v, %v; want no frames", frames, err)
	}
	frames, err = dec.Feed(frame[len(frame)-1:])
	if err != nil || len(frames) != 1 {
		t.Fatalf("Feed(last byte) = %v, %v; want one frame", frames, err)
	}
}

func TestDecoderFrameTooLarge(t *testing.T) {
	dec := transport.NewDecoder(16)

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 17)

	// Rejected on the header alone, before any payload arrives.
	_, err := dec.Feed(header)
	if !errors.Is(err, transport.ErrFrameTooLarge) {
		t.Fatalf("Feed(header) error = %v, want ErrFrameTooLarge", err)
	}
	if dec.Buffered() > 4 {
		t.Errorf("decoder buffered %d bytes of an oversized frame", dec.Buffered())
	}
}

func TestDecoderDefaultMaximum(t *testing.T) {
	dec := transport.NewDecoder(0)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, transport.DefaultMaxFrameSize+1)
	if _, err := dec.Feed(header); !errors.Is(err, transport.ErrFrameTooLarge) {
		t.Errorf("error = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecoderMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"zero length", []byte{0, 0, 0, 0}},
		{"array payload", append([]byte{0, 0, 0, 3}, []byte("[1]")...)},
		{"invalid json", append([]byte{0, 0, 0, 2}, []byte("{x")...)},
		{"invalid utf8", append([]byte{0, 0, 0, 4}, []byte{'{', 0xff, 0xfe, '}'}...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := transport.NewDecoder(0)
			_, err := dec.Feed(tt.input)
			if !errors.Is(err, transport.ErrMalformedFrame) {
				t.Errorf("error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestDecoderErrorIsSticky(t *testing.T) {
	dec := transport.NewDecoder(0)
	if _, err := dec.Feed([]byte{0, 0, 0, 0}); err == nil {
		t.Fatal("expected error for zero-length frame")
	}
	_, err := dec.Feed(mustFrame(t, `{"ok":true}`))
	if !errors.Is(err, transport.ErrMalformedFrame) {
		t.Errorf("second Feed error = %v, want the original ErrMalformedFrame", err)
	}
}

func TestDecoderReturnsFramesBeforeError(t *testing.T) {
	input := append(mustFrame(t, `{"n":1}`), 0, 0, 0, 0)
	frames, err := transport.NewDecoder(0).Feed(input)
	if !errors.Is(err, transport.ErrMalformedFrame) {
		t.Fatalf("error = %v, want ErrMalformedFrame", err)
	}
	if len(frames) != 1 || !json.Valid(frames[0]) {
		t.Errorf("frames = %v, want the one valid frame", frames)
	}
}

type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureLogger) Log(e log.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureLogger) all() []log.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]log.Event(nil), c.events...)
}

func TestFrameWriterAndDecoderLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := &captureLogger{}

	fw := transport.NewFrameWriter(&buf)
	fw.SetLogger(logger, "conn-1", "fp")
	if err := fw.WriteFrame([]byte(`{"type":"PING"}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	dec := transport.NewDecoder(0)
	dec.SetLogger(logger, "conn-1", "fp")
	if _, err := dec.Feed(buf.Bytes()); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}

	events := logger.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Direction != log.DirectionOut || events[1].Direction != log.DirectionIn {
		t.Errorf("directions = %v, %v", events[0].Direction, events[1].Direction)
	}
	for _, e := range events {
		if e.Layer != log.LayerTransport || e.Frame == nil {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.ConnectionID != "conn-1" || e.PeerFingerprint != "fp" {
			t.Errorf("event ids = %q, %q", e.ConnectionID, e.PeerFingerprint)
		}
		if e.Frame.Size != 4+15 {
			t.Errorf("frame size = %d, want 19", e.Frame.Size)
		}
	}
}

func TestFrameLoggingTruncates(t *testing.T) {
	logger := &captureLogger{}
	payload := `{"data":"` + string(bytes.Repeat([]byte("x"), transport.MaxLogFrameDataSize)) + `"}`

	var buf bytes.Buffer
	fw := transport.NewFrameWriter(&buf)
	fw.SetLogger(logger, "c", "")
	if err := fw.WriteFrame([]byte(payload)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	e := logger.all()[0]
	if !e.Frame.Truncated || len(e.Frame.Data) != transport.MaxLogFrameDataSize {
		t.Errorf("truncated = %v, len = %d", e.Frame.Truncated, len(e.Frame.Data))
	}
}
