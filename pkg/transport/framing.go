package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cribcall/cribcall-go/pkg/log"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the big-endian length prefix.
	LengthPrefixSize = 4

	// DefaultMaxFrameSize bounds a single JSON payload (1 MiB).
	DefaultMaxFrameSize = 1 << 20

	// MaxLogFrameDataSize caps the payload bytes copied into log events.
	MaxLogFrameDataSize = 4096
)

// Framing errors. Both are fatal to the stream they occur on.
var (
	// ErrFrameTooLarge means a length prefix exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedFrame means a payload is empty, not UTF-8, or not a JSON object.
	ErrMalformedFrame = errors.New("malformed frame")
)

// EncodeFrame prefixes a JSON object payload with its length.
func EncodeFrame(payload []byte) ([]byte, error) {
	return encodeFrame(payload, DefaultMaxFrameSize)
}

func encodeFrame(payload []byte, maxSize int) ([]byte, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	if len(payload) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxSize)
	}
	out := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[LengthPrefixSize:], payload)
	return out, nil
}

// validatePayload accepts exactly one UTF-8 JSON object.
func validatePayload(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if !utf8.Valid(payload) {
		return fmt.Errorf("%w: payload is not UTF-8", ErrMalformedFrame)
	}
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not a JSON object", ErrMalformedFrame)
	}
	return nil
}

// Decoder reassembles frames from arbitrarily split chunks.
//
// At most one frame is buffered at a time and never more than the configured
// maximum: an oversized length prefix is rejected as soon as its four bytes
// have arrived. After the first error, the decoder keeps returning it.
type Decoder struct {
	maxSize int

	header    [LengthPrefixSize]byte
	headerLen int
	payload   []byte
	want      int

	err error

	logger log.Logger
	connID string
	peerFP string
}

// NewDecoder creates a decoder with the given maximum payload size.
// maxSize <= 0 selects DefaultMaxFrameSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// SetLogger enables frame logging. Pass nil to disable.
func (d *Decoder) SetLogger(logger log.Logger, connID, peerFingerprint string) {
	d.logger = logger
	d.connID = connID
	d.peerFP = peerFingerprint
}

// Feed consumes a chunk and returns every frame it completed, in order.
// On error, frames completed earlier in the same chunk are still returned.
func (d *Decoder) Feed(chunk []byte) ([]json.RawMessage, error) {
	if d.err != nil {
		return nil, d.err
	}

	var out []json.RawMessage
	for len(chunk) > 0 {
		if d.payload == nil {
			n := copy(d.header[d.headerLen:], chunk)
			d.headerLen += n
			chunk = chunk[n:]
			if d.headerLen < LengthPrefixSize {
				break
			}

			size := binary.BigEndian.Uint32(d.header[:])
			switch {
			case size == 0:
				d.err = fmt.Errorf("%w: zero-length frame", ErrMalformedFrame)
			case uint64(size) > uint64(d.maxSize):
				d.err = fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, d.maxSize)
			}
			if d.err != nil {
				return out, d.err
			}
			d.want = int(size)
			d.payload = make([]byte, 0, d.want)
		}

		n := d.want - len(d.payload)
		if n > len(chunk) {
			n = len(chunk)
		}
		d.payload = append(d.payload, chunk[:n]...)
		chunk = chunk[n:]
		if len(d.payload) < d.want {
			break
		}

		frame := d.payload
		d.payload = nil
		d.headerLen = 0

		if err := validatePayload(frame); err != nil {
			d.err = err
			return out, err
		}
		d.logFrame(frame, log.DirectionIn)
		out = append(out, json.RawMessage(frame))
	}
	return out, nil
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	if d.payload == nil {
		return d.headerLen
	}
	return LengthPrefixSize + len(d.payload)
}

func (d *Decoder) logFrame(data []byte, dir log.Direction) {
	if d.logger == nil {
		return
	}
	d.logger.Log(frameEvent(d.connID, d.peerFP, data, dir))
}

// FrameWriter writes length-prefixed frames to an io.Writer.
// It is safe for concurrent use; frames are never interleaved.
type FrameWriter struct {
	mu      sync.Mutex
	w       io.Writer
	maxSize int

	logger log.Logger
	connID string
	peerFP string
}

// NewFrameWriter creates a writer with the default maximum frame size.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, maxSize: DefaultMaxFrameSize}
}

// SetLogger enables frame logging. Pass nil to disable.
func (fw *FrameWriter) SetLogger(logger log.Logger, connID, peerFingerprint string) {
	fw.logger = logger
	fw.connID = connID
	fw.peerFP = peerFingerprint
}

// SetMaxSize changes the maximum payload size. n <= 0 selects
// DefaultMaxFrameSize.
func (fw *FrameWriter) SetMaxSize(n int) {
	if n <= 0 {
		n = DefaultMaxFrameSize
	}
	fw.mu.Lock()
	fw.maxSize = n
	fw.mu.Unlock()
}

// WriteFrame writes one frame with a single Write call.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	frame, err := encodeFrame(payload, fw.maxSize)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if fw.logger != nil {
		fw.logger.Log(frameEvent(fw.connID, fw.peerFP, payload, log.DirectionOut))
	}
	return nil
}

func frameEvent(connID, peerFP string, data []byte, dir log.Direction) log.Event {
	logged := data
	truncated := false
	if len(data) > MaxLogFrameDataSize {
		logged = data[:MaxLogFrameDataSize]
		truncated = true
	}
	return log.Event{
		Timestamp:       time.Now(),
		ConnectionID:    connID,
		PeerFingerprint: peerFP,
		Direction:       dir,
		Layer:           log.LayerTransport,
		Category:        log.CategoryMessage,
		Frame: &log.FrameEvent{
			Size:      LengthPrefixSize + len(data),
			Data:      logged,
			Truncated: truncated,
		},
	}
}
