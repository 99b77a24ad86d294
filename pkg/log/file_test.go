package log

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeCapture(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "test"+FileExtension)

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	for _, e := range events {
		fl.Log(e)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func readAll(t *testing.T, r *Reader) []Event {
	t.Helper()
	var out []Event
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, e)
	}
}

func TestFileLoggerPermissions(t *testing.T) {
	path := writeCapture(t, nil)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}
}

func TestFileLoggerAppendsAcrossOpens(t *testing.T) {
	path := writeCapture(t, []Event{{ConnectionID: "a"}})

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	fl.Log(Event{ConnectionID: "b"})
	fl.Close()
	fl.Log(Event{ConnectionID: "ignored"})

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer r.Close()

	got := readAll(t, r)
	if len(got) != 2 || got[0].ConnectionID != "a" || got[1].ConnectionID != "b" {
		t.Errorf("events = %+v, want [a b]", got)
	}
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.clog")
	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				fl.Log(Event{ConnectionID: "x", Frame: &FrameEvent{Size: j}})
			}
		}()
	}
	wg.Wait()
	fl.Close()

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer r.Close()
	if got := len(readAll(t, r)); got != 200 {
		t.Errorf("read %d events, want 200", got)
	}
}

func TestReaderFilter(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	wire := LayerWire
	in := DirectionIn

	events := []Event{
		{Timestamp: base, ConnectionID: "c1", Layer: LayerTransport, PeerFingerprint: "fp1"},
		{Timestamp: base.Add(time.Second), ConnectionID: "c1", Layer: LayerWire, Direction: DirectionIn,
			PeerFingerprint: "fp1", Message: &MessageEvent{Type: "PING"}},
		{Timestamp: base.Add(2 * time.Second), ConnectionID: "c2", Layer: LayerWire, Direction: DirectionOut,
			PeerFingerprint: "fp2", Message: &MessageEvent{Type: "PONG"}},
	}
	path := writeCapture(t, events)

	since := base.Add(500 * time.Millisecond)
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"c1", "c1", "c2"}},
		{"connection", Filter{ConnectionID: "c2"}, []string{"c2"}},
		{"fingerprint", Filter{PeerFingerprint: "fp1"}, []string{"c1", "c1"}},
		{"layer", Filter{Layer: &wire}, []string{"c1", "c2"}},
		{"direction and layer", Filter{Layer: &wire, Direction: &in}, []string{"c1"}},
		{"message type", Filter{MessageType: "PONG"}, []string{"c2"}},
		{"since", Filter{Since: &since}, []string{"c1", "c2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			if err != nil {
				t.Fatalf("NewFilteredReader() error = %v", err)
			}
			defer r.Close()

			got := readAll(t, r)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.ConnectionID != tt.want[i] {
					t.Errorf("event %d ConnectionID = %q, want %q", i, e.ConnectionID, tt.want[i])
				}
			}
		})
	}
}

func TestReaderTruncatedTail(t *testing.T) {
	path := writeCapture(t, []Event{{ConnectionID: "whole"}})

	extra, err := EncodeEvent(Event{ConnectionID: "partial"})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	f.Write(extra[:len(extra)/2])
	f.Close()

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer r.Close()

	first, err := r.Next()
	if err != nil || first.ConnectionID != "whole" {
		t.Fatalf("Next() = %+v, %v; want whole event", first, err)
	}
	if _, err := r.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("Next() on truncated tail error = %v, want decode error", err)
	}
}
