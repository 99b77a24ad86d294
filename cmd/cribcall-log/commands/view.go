// Package commands implements the cribcall-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cribcall/cribcall-go/pkg/log"
)

// TimestampLayout is used for every timestamp the commands print.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format(TimestampLayout)
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n",
		ts, shortenConnID(event.ConnectionID), event.Direction.String(), event.Layer.String(), eventLabel(event))

	if event.LocalRole != 0 {
		fmt.Fprintf(w, "  Role: %s\n", event.LocalRole.String())
	}
	if event.PeerFingerprint != "" {
		fmt.Fprintf(w, "  Peer: %s\n", shortenFingerprint(event.PeerFingerprint))
	}
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Remote: %s\n", event.RemoteAddr)
	}

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		if event.Message.RequestID != "" {
			fmt.Fprintf(w, "  RequestID: %s\n", event.Message.RequestID)
		}
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// eventLabel names the payload of an event.
func eventLabel(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Message != nil:
		return event.Message.Type
	case event.StateChange != nil:
		return "State"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func shortenFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16] + "..."
	}
	return fp
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, e *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", e.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", e.Message)
	if e.Kind != "" {
		fmt.Fprintf(w, "  Kind: %s\n", e.Kind)
	}
	if e.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", e.Context)
	}
}

// FilterFlags are the filter flags shared by view, export and filter.
type FilterFlags struct {
	ConnID      string
	Peer        string
	MessageType string
	Layer       string
	Direction   string
	Category    string
	Since       string
	Until       string
}

// Build parses the flag values into a log.Filter.
func (f FilterFlags) Build() (log.Filter, error) {
	filter := log.Filter{
		ConnectionID:    f.ConnID,
		PeerFingerprint: strings.ToLower(f.Peer),
		MessageType:     strings.ToUpper(f.MessageType),
	}
	if f.Layer != "" {
		l, err := ParseLayer(f.Layer)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Layer = &l
	}
	if f.Direction != "" {
		d, err := ParseDirection(f.Direction)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Direction = &d
	}
	if f.Category != "" {
		c, err := ParseCategory(f.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}
	if f.Since != "" {
		t, err := time.Parse(time.RFC3339, f.Since)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid since format: %w", err)
		}
		filter.Since = &t
	}
	if f.Until != "" {
		t, err := time.Parse(time.RFC3339, f.Until)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid until format: %w", err)
		}
		filter.Until = &t
	}
	return filter, nil
}

// ParseLayer parses a layer string (case-insensitive).
func ParseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "pairing":
		return log.LayerPairing, nil
	case "control":
		return log.LayerControl, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, pairing or control)", s)
	}
}

// ParseDirection parses a direction string (case-insensitive).
func ParseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategory parses a category string (case-insensitive).
func ParseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, state or error)", s)
	}
}

// RunView writes the events of path matching filter to output.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}
