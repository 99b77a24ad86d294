package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/metrics"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// State is the lifecycle state of a channel.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind identifies a channel event.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventMessage
	EventFailed
	EventClosed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered on Channel.Events. Failed and Closed are terminal and
// exactly one of them is delivered, after which the stream is closed.
type Event struct {
	Kind    EventKind
	Message wire.Message
	Failure *Failure
}

// Default channel limits.
const (
	DefaultQueueSize  = 64
	defaultEventQueue = 64
)

// Options configures a Channel.
type Options struct {
	// ID identifies the connection in logs. A UUID is generated when empty.
	ID string

	PeerFingerprint string
	RemoteAddr      string

	// QueueSize bounds the outbound queue (default: DefaultQueueSize).
	QueueSize int

	// MaxFrame bounds frame payloads in both directions
	// (default: transport.DefaultMaxFrameSize).
	MaxFrame int

	// Role is recorded in protocol log events.
	Role log.Role

	ProtocolLogger log.Logger
	Logger         *slog.Logger

	// Metrics counts frames (optional).
	Metrics *metrics.Metrics
}

type outbound struct {
	payload []byte
	msg     wire.Message

	// flushed marks a Flush barrier instead of a frame.
	flushed chan struct{}
}

// Channel is a bidirectional stream of control messages over a Stream.
//
// Sends are queued and written by a single goroutine in submission order.
// Inbound messages arrive on Events. Events must be drained until it is
// closed.
type Channel struct {
	opts   Options
	stream Stream
	logger *slog.Logger

	decoder *transport.Decoder
	writer  *transport.FrameWriter

	queue  chan outbound
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	endOnce   sync.Once

	mu      sync.Mutex
	state   State
	failure *Failure

	pendingMu sync.Mutex
	pending   map[string]chan *wire.HTTPResponse
}

// New wraps stream in a channel. The channel is connecting until Start.
func New(stream Stream, opts Options) *Channel {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = transport.DefaultMaxFrameSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		opts:    opts,
		stream:  stream,
		logger:  opts.Logger.With("connectionId", opts.ID, "peer", opts.PeerFingerprint),
		decoder: transport.NewDecoder(opts.MaxFrame),
		writer:  transport.NewFrameWriter(chunkWriter{stream}),
		queue:   make(chan outbound, opts.QueueSize),
		events:  make(chan Event, defaultEventQueue),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateConnecting,
		pending: make(map[string]chan *wire.HTTPResponse),
	}
	c.writer.SetMaxSize(opts.MaxFrame)
	if opts.ProtocolLogger != nil {
		c.decoder.SetLogger(opts.ProtocolLogger, opts.ID, opts.PeerFingerprint)
		c.writer.SetLogger(opts.ProtocolLogger, opts.ID, opts.PeerFingerprint)
	}
	return c
}

// ID returns the connection id.
func (c *Channel) ID() string { return c.opts.ID }

// Fingerprint returns the peer certificate fingerprint.
func (c *Channel) Fingerprint() string { return c.opts.PeerFingerprint }

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() string { return c.opts.RemoteAddr }

// Events returns the lifecycle and message stream.
func (c *Channel) Events() <-chan Event { return c.events }

// Done is closed when the channel has ended.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failure returns the terminal failure, or nil.
func (c *Channel) Failure() *Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Start moves the channel to connected and starts reading and writing.
// Calling it again has no effect.
func (c *Channel) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateConnecting {
			return
		}
		c.setStateLocked(StateConnected, "")
		// Nothing was delivered yet, so this never blocks.
		c.events <- Event{Kind: EventConnected}

		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// Send queues msg. It blocks while the queue is full and fails once the
// channel has ended. An oversized message is rejected without queueing.
func (c *Channel) Send(ctx context.Context, msg wire.Message) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > c.opts.MaxFrame {
		return fmt.Errorf("%w: %d > %d", transport.ErrFrameTooLarge, len(payload), c.opts.MaxFrame)
	}

	return c.enqueue(ctx, outbound{payload: payload, msg: msg})
}

// enqueue hands out to the write loop. An item that lands in the queue as
// the channel ends is never written, so that case reports ErrClosed too.
func (c *Channel) enqueue(ctx context.Context, out outbound) error {
	select {
	case c.queue <- out:
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every message queued before it has been written.
func (c *Channel) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := c.enqueue(ctx, outbound{flushed: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends an HTTP_REQUEST and waits for the HTTP_RESPONSE with the same
// requestId. A missing RequestID is generated.
func (c *Channel) Request(ctx context.Context, req *wire.HTTPRequest) (*wire.HTTPResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ch := make(chan *wire.HTTPResponse, 1)

	c.pendingMu.Lock()
	if _, dup := c.pending[req.RequestID]; dup {
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("request %s already pending", req.RequestID)
	}
	c.pending[req.RequestID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.Send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// Close ends the channel normally.
func (c *Channel) Close() error {
	c.end(StateClosed, nil)
	return nil
}

// CloseWithFailure ends the channel in the error state.
func (c *Channel) CloseWithFailure(kind FailureKind, err error) {
	c.end(StateError, &Failure{Kind: kind, Err: err})
}

// Disconnect ends the channel on behalf of a connection registry. A
// revocation is recorded as TrustRevoked.
func (c *Channel) Disconnect(reason string) error {
	if reason == transport.ReasonTrustRevoked {
		c.CloseWithFailure(TrustRevoked, errors.New(reason))
		return nil
	}
	c.end(StateClosed, nil)
	return nil
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	for {
		chunk, err := c.stream.ReadChunk(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				c.end(StateClosed, &Failure{Kind: ClosedByPeer, Err: err})
			} else {
				c.end(StateError, &Failure{Kind: TransportClosed, Err: err})
			}
			return
		}

		frames, ferr := c.decoder.Feed(chunk)
		for _, f := range frames {
			msg, err := wire.Decode(f)
			if err != nil {
				c.end(StateError, &Failure{Kind: ProtocolViolation, Err: err})
				return
			}
			c.logMessage(msg, log.DirectionIn)
			if c.deliverResponse(msg) {
				continue
			}
			select {
			case c.events <- Event{Kind: EventMessage, Message: msg}:
			case <-c.ctx.Done():
				return
			}
		}
		if ferr != nil {
			c.end(StateError, &Failure{Kind: ProtocolViolation, Err: ferr})
			return
		}
	}
}

// deliverResponse routes an HTTP_RESPONSE to a waiting Request.
func (c *Channel) deliverResponse(msg wire.Message) bool {
	resp, ok := msg.(*wire.HTTPResponse)
	if !ok {
		return false
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case out := <-c.queue:
			if out.flushed != nil {
				close(out.flushed)
				continue
			}
			if err := c.writer.WriteFrame(out.payload); err != nil {
				if c.ctx.Err() == nil {
					c.end(StateError, &Failure{Kind: TransportClosed, Err: err})
				}
				return
			}
			c.logMessage(out.msg, log.DirectionOut)
		}
	}
}

// end records the terminal state once, closes the stream and delivers the
// terminal event after both loops have stopped.
func (c *Channel) end(state State, failure *Failure) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		started := c.state != StateConnecting
		c.failure = failure
		reason := ""
		if failure != nil {
			reason = failure.Error()
		}
		c.setStateLocked(state, reason)
		c.mu.Unlock()

		c.cancel()
		closeStream(c.stream, failure)

		if failure != nil && state == StateError {
			c.logger.Warn("control channel failed", "kind", string(failure.Kind), "error", failure.Err)
		} else {
			c.logger.Debug("control channel closed")
		}

		ev := Event{Kind: EventClosed, Failure: failure}
		if state == StateError {
			ev.Kind = EventFailed
		}
		go func() {
			if started {
				c.wg.Wait()
			}
			c.events <- ev
			close(c.events)
		}()
	})
}

// setStateLocked changes state and logs the transition. Caller holds mu.
func (c *Channel) setStateLocked(next State, reason string) {
	old := c.state
	c.state = next
	if c.opts.ProtocolLogger == nil {
		return
	}
	c.opts.ProtocolLogger.Log(log.Event{
		Timestamp:       time.Now(),
		ConnectionID:    c.opts.ID,
		PeerFingerprint: c.opts.PeerFingerprint,
		RemoteAddr:      c.opts.RemoteAddr,
		Layer:           log.LayerControl,
		Category:        log.CategoryState,
		LocalRole:       c.opts.Role,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChannel,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}

func (c *Channel) logMessage(msg wire.Message, dir log.Direction) {
	if dir == log.DirectionIn {
		c.opts.Metrics.Frame(metrics.DirectionIn)
	} else {
		c.opts.Metrics.Frame(metrics.DirectionOut)
	}
	if c.opts.ProtocolLogger == nil {
		return
	}
	c.opts.ProtocolLogger.Log(log.Event{
		Timestamp:       time.Now(),
		ConnectionID:    c.opts.ID,
		PeerFingerprint: c.opts.PeerFingerprint,
		Direction:       dir,
		Layer:           log.LayerWire,
		Category:        log.CategoryMessage,
		LocalRole:       c.opts.Role,
		Message: &log.MessageEvent{
			Type:      string(msg.Type()),
			RequestID: wire.RequestID(msg),
		},
	})
}

// chunkWriter writes each frame as one stream chunk.
type chunkWriter struct {
	s Stream
}

func (w chunkWriter) Write(p []byte) (int, error) {
	if err := w.s.WriteChunk(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Verify interface compliance.
var _ transport.Conn = (*Channel)(nil)
