package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultIdleTimeout closes a control stream that saw no traffic and no
// pong for this long.
const DefaultIdleTimeout = 30 * time.Second

const writeWait = 5 * time.Second

// Stream carries opaque byte chunks. Frame boundaries need not line up with
// chunk boundaries.
type Stream interface {
	// ReadChunk blocks for the next chunk. A close by the peer is reported
	// as an error matching io.EOF.
	ReadChunk(ctx context.Context) ([]byte, error)

	// WriteChunk writes one chunk.
	WriteChunk(ctx context.Context, chunk []byte) error

	// Close closes the stream.
	Close() error
}

// PeerClosedError reports a close handshake initiated by the peer. It
// matches io.EOF.
type PeerClosedError struct {
	Code   int
	Reason string
}

func (e *PeerClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("closed by peer (%d)", e.Code)
	}
	return fmt.Sprintf("closed by peer (%d): %s", e.Code, e.Reason)
}

func (e *PeerClosedError) Unwrap() error { return io.EOF }

// WSOptions configures a WSStream.
type WSOptions struct {
	// IdleTimeout is the read deadline, extended on every message, ping and
	// pong (default: DefaultIdleTimeout).
	IdleTimeout time.Duration

	// PingInterval enables keepalive pings from this side. Zero disables
	// them; servers use IdleTimeout/2.
	PingInterval time.Duration
}

// WSStream adapts a gorilla/websocket connection to Stream. Chunks are
// binary messages.
type WSStream struct {
	conn *websocket.Conn
	idle time.Duration

	writeMu sync.Mutex

	deadlineMu sync.Mutex
	aborted    bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSStream wraps conn. It installs ping and pong handlers that extend
// the read deadline.
func NewWSStream(conn *websocket.Conn, opts WSOptions) *WSStream {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	s := &WSStream{
		conn: conn,
		idle: opts.IdleTimeout,
		done: make(chan struct{}),
	}

	s.extend()
	conn.SetPongHandler(func(string) error {
		s.extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		s.extend()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	if opts.PingInterval > 0 {
		go s.keepalive(opts.PingInterval)
	}
	return s
}

func (s *WSStream) extend() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if s.aborted {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
}

func (s *WSStream) keepalive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ReadChunk returns the payload of the next binary or text message.
// Cancelling ctx aborts the read and leaves the stream unusable.
func (s *WSStream) ReadChunk(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		s.deadlineMu.Lock()
		s.aborted = true
		_ = s.conn.SetReadDeadline(time.Now())
		s.deadlineMu.Unlock()
	})
	defer stop()

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &PeerClosedError{Code: ce.Code, Reason: ce.Text}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	s.extend()
	return data, nil
}

// WriteChunk sends chunk as one binary message.
func (s *WSStream) WriteChunk(ctx context.Context, chunk []byte) error {
	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// CloseWithReason sends a close frame carrying reason, then closes.
func (s *WSStream) CloseWithReason(code int, reason string) error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	s.writeMu.Unlock()
	return s.Close()
}

// Close closes the connection without a close handshake.
func (s *WSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Conn returns the underlying websocket connection.
func (s *WSStream) Conn() *websocket.Conn {
	return s.conn
}

// closeStream closes s, telling a WebSocket peer why the channel ended.
func closeStream(s Stream, f *Failure) {
	ws, ok := s.(*WSStream)
	if !ok {
		_ = s.Close()
		return
	}
	code, reason := websocket.CloseNormalClosure, ""
	if f != nil {
		switch f.Kind {
		case TransportClosed, ClosedByPeer:
			_ = ws.Close()
			return
		case ProtocolViolation:
			code = websocket.CloseProtocolError
		case TrustRevoked, FingerprintMismatch:
			code = websocket.ClosePolicyViolation
		}
		reason = string(f.Kind)
		if f.Err != nil {
			reason = f.Err.Error()
		}
	}
	// Close frames carry at most 123 bytes of reason.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = ws.CloseWithReason(code, reason)
}
