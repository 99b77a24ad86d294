package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cribcall/cribcall-go/pkg/log"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test"+log.FileExtension)

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

var ts = time.Date(2026, 3, 2, 21, 15, 32, 123456000, time.UTC)

func sampleEvents() []log.Event {
	return []log.Event{
		{
			Timestamp:       ts,
			ConnectionID:    "c0ffee00-1111",
			Direction:       log.DirectionOut,
			Layer:           log.LayerWire,
			Category:        log.CategoryMessage,
			LocalRole:       log.RoleMonitor,
			PeerFingerprint: "abcdef0123456789abcdef0123456789",
			Message:         &log.MessageEvent{Type: "NOISE_EVENT"},
		},
		{
			Timestamp:    ts.Add(time.Second),
			ConnectionID: "c0ffee00-1111",
			Direction:    log.DirectionIn,
			Layer:        log.LayerWire,
			Category:     log.CategoryMessage,
			Message:      &log.MessageEvent{Type: "HTTP_REQUEST", RequestID: "r1"},
		},
		{
			Timestamp:    ts.Add(2 * time.Second),
			ConnectionID: "c0ffee00-1111",
			Layer:        log.LayerControl,
			Category:     log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityChannel,
				OldState: "OPEN",
				NewState: "CLOSED",
				Reason:   "trust revoked",
			},
		},
		{
			Timestamp:    ts.Add(3 * time.Second),
			ConnectionID: "deadbeef-2222",
			Layer:        log.LayerPairing,
			Category:     log.CategoryError,
			Error:        &log.ErrorEventData{Layer: log.LayerPairing, Message: "bad pin", Kind: "pinMismatch"},
		},
	}
}

func TestRunViewFormatsEvents(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunView(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"2026-03-02T21:15:32.123456Z [conn:c0ffee00] OUT WIRE NOISE_EVENT",
		"Role: MONITOR",
		"Peer: abcdef0123456789...",
		"RequestID: r1",
		"OPEN -> CLOSED",
		"Reason: trust revoked",
		"Kind: pinMismatch",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunViewAppliesFilter(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	filter, err := FilterFlags{Direction: "in", MessageType: "http_request"}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	var buf bytes.Buffer
	if err := RunView(path, filter, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "HTTP_REQUEST") {
		t.Error("expected HTTP_REQUEST in output")
	}
	if strings.Contains(out, "NOISE_EVENT") {
		t.Error("NOISE_EVENT should be filtered out")
	}
}

func TestFilterFlagsBuild(t *testing.T) {
	tests := []struct {
		name    string
		flags   FilterFlags
		wantErr bool
	}{
		{"empty", FilterFlags{}, false},
		{"layer", FilterFlags{Layer: "PAIRING"}, false},
		{"bad layer", FilterFlags{Layer: "session"}, true},
		{"bad direction", FilterFlags{Direction: "sideways"}, true},
		{"bad category", FilterFlags{Category: "snapshot"}, true},
		{"since", FilterFlags{Since: "2026-03-02T21:00:00Z"}, false},
		{"bad until", FilterFlags{Until: "yesterday"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.flags.Build()
			if (err != nil) != tt.wantErr {
				t.Errorf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunExportJSONL(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunExport(path, "jsonl", "", log.Filter{}, &buf); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if first["ConnectionID"] != "c0ffee00-1111" {
		t.Errorf("ConnectionID = %v", first["ConnectionID"])
	}
}

func TestRunExportCSV(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "out.csv")

	if err := RunExport(path, "csv", out, log.Filter{}, nil); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	data := readFile(t, out)
	rows, err := csv.NewReader(strings.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("invalid csv: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected header + 4 rows, got %d", len(rows))
	}
	if rows[2][8] != "HTTP_REQUEST" || rows[2][9] != "r1" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestRunExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	var buf bytes.Buffer
	if err := RunExport(path, "xml", "", log.Filter{}, &buf); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestRunFilterWritesSubset(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "subset"+log.FileExtension)

	n, err := RunFilter(path, out, log.Filter{ConnectionID: "deadbeef-2222"})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("filtered %d events, want 1", n)
	}

	stats, err := Collect(out)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if stats.TotalEvents != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if _, err := RunFilter(path, "", log.Filter{}); err == nil {
		t.Error("expected error without output")
	}
}

func TestRunStats(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Total Events: 4",
		"WIRE:",
		"PAIRING:",
		"NOISE_EVENT:",
		"Connections: 2",
		"Last state: CLOSED",
		"Errors: 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
