package log

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects events. Zero-valued fields match everything.
type Filter struct {
	ConnectionID    string
	PeerFingerprint string
	MessageType     string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// Since and Until bound the timestamp: Since inclusive, Until exclusive.
	Since *time.Time
	Until *time.Time
}

// Match reports whether event satisfies every set criterion.
func (f *Filter) Match(event Event) bool {
	if f.ConnectionID != "" && event.ConnectionID != f.ConnectionID {
		return false
	}
	if f.PeerFingerprint != "" && event.PeerFingerprint != f.PeerFingerprint {
		return false
	}
	if f.MessageType != "" && (event.Message == nil || event.Message.Type != f.MessageType) {
		return false
	}
	if f.Direction != nil && event.Direction != *f.Direction {
		return false
	}
	if f.Layer != nil && event.Layer != *f.Layer {
		return false
	}
	if f.Category != nil && event.Category != *f.Category {
		return false
	}
	if f.Since != nil && event.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !event.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

// Reader streams events back out of a capture file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens path and yields every event.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens path and yields only events matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:    f,
		decoder: NewDecoder(f),
		filter:  filter,
	}, nil
}

// Next returns the next matching event, or io.EOF at end of file.
// A partially written trailing event is reported as io.ErrUnexpectedEOF.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.Match(event) {
			return event, nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
