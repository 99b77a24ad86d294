package control

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// MessageConn is a synchronous framed message stream, used for the short
// request/response exchanges of pairing. Receive must not be called
// concurrently.
type MessageConn struct {
	stream  Stream
	decoder *transport.Decoder
	writer  *transport.FrameWriter

	mu      sync.Mutex
	pending []json.RawMessage
	err     error
}

// NewMessageConn frames messages over stream. maxFrame <= 0 selects the
// default limit.
func NewMessageConn(stream Stream, maxFrame int, logger log.Logger, connID string) *MessageConn {
	c := &MessageConn{
		stream:  stream,
		decoder: transport.NewDecoder(maxFrame),
		writer:  transport.NewFrameWriter(chunkWriter{stream}),
	}
	c.writer.SetMaxSize(maxFrame)
	if logger != nil {
		c.decoder.SetLogger(logger, connID, "")
		c.writer.SetLogger(logger, connID, "")
	}
	return c
}

// Send writes msg as one frame.
func (c *MessageConn) Send(ctx context.Context, msg wire.Message) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writer.WriteFrame(payload)
}

// Receive returns the next message. Framing and decode errors are returned
// as a *Failure with kind ProtocolViolation.
func (c *MessageConn) Receive(ctx context.Context) (wire.Message, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			frame := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			msg, err := wire.Decode(frame)
			if err != nil {
				return nil, &Failure{Kind: ProtocolViolation, Err: err}
			}
			return msg, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return nil, &Failure{Kind: ProtocolViolation, Err: err}
		}
		c.mu.Unlock()

		chunk, err := c.stream.ReadChunk(ctx)
		if err != nil {
			return nil, err
		}
		frames, ferr := c.decoder.Feed(chunk)
		c.mu.Lock()
		c.pending = append(c.pending, frames...)
		c.err = ferr
		c.mu.Unlock()
	}
}

// Close closes the stream.
func (c *MessageConn) Close() error {
	return c.stream.Close()
}
