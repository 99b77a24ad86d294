package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/transport"
)

// DefaultHandshakeTimeout bounds TLS plus the WebSocket upgrade.
const DefaultHandshakeTimeout = 10 * time.Second

// ControlPath and PairingPath are the WebSocket endpoints of a monitor.
const (
	ControlPath = "/control/ws"
	PairingPath = "/pair/ws"
)

// DialConfig configures an outbound connection to a monitor.
type DialConfig struct {
	// URL is the full WebSocket URL. When empty it is built from Addr and Path.
	URL  string
	Addr string
	Path string

	Identity            *identity.DeviceIdentity
	ExpectedFingerprint string

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	// Options configures the resulting channel. PeerFingerprint and
	// RemoteAddr are filled in.
	Options Options
}

func (c DialConfig) url() (string, error) {
	if c.URL != "" {
		return c.URL, nil
	}
	if c.Addr == "" {
		return "", errors.New("dial address is required")
	}
	path := c.Path
	if path == "" {
		path = ControlPath
	}
	return "wss://" + c.Addr + path, nil
}

// DialStream connects to a monitor, pins its certificate and returns the
// WebSocket stream. Failures are returned as *Failure.
func DialStream(ctx context.Context, cfg DialConfig) (*WSStream, error) {
	target, err := cfg.url()
	if err != nil {
		return nil, err
	}
	tlsConfig, err := transport.NewClientTLSConfig(cfg.Identity, cfg.ExpectedFingerprint)
	if err != nil {
		return nil, err
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if transport.IsFingerprintMismatch(err) {
			return nil, &Failure{Kind: FingerprintMismatch, Err: err}
		}
		if resp != nil {
			return nil, &Failure{Kind: HandshakeFailed, Err: &StatusError{Code: resp.StatusCode}}
		}
		return nil, &Failure{Kind: HandshakeFailed, Err: err}
	}

	stream := NewWSStream(conn, WSOptions{IdleTimeout: cfg.IdleTimeout})

	tc, ok := conn.UnderlyingConn().(*tls.Conn)
	if !ok {
		_ = stream.Close()
		return nil, &Failure{Kind: HandshakeFailed, Err: errors.New("connection is not TLS")}
	}
	if err := transport.CheckServerPin(tc.ConnectionState(), cfg.ExpectedFingerprint); err != nil {
		_ = stream.CloseWithReason(websocket.ClosePolicyViolation, "fingerprint mismatch")
		return nil, &Failure{Kind: FingerprintMismatch, Err: err}
	}
	return stream, nil
}

// Dial connects to a monitor's control endpoint and returns a started
// channel. There is no automatic reconnect.
func Dial(ctx context.Context, cfg DialConfig) (*Channel, error) {
	opts := cfg.Options
	opts.PeerFingerprint = identity.NormalizeFingerprint(cfg.ExpectedFingerprint)
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Role == 0 {
		opts.Role = log.RoleListener
	}
	if opts.ProtocolLogger != nil {
		opts.ProtocolLogger.Log(log.Event{
			Timestamp:       time.Now(),
			ConnectionID:    opts.ID,
			PeerFingerprint: opts.PeerFingerprint,
			Layer:           log.LayerControl,
			Category:        log.CategoryState,
			LocalRole:       opts.Role,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityChannel,
				OldState: StateDisconnected.String(),
				NewState: StateConnecting.String(),
			},
		})
	}

	stream, err := DialStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts.RemoteAddr = stream.Conn().RemoteAddr().String()

	ch := New(stream, opts)
	ch.Start()
	return ch, nil
}

// StatusError reports a rejected WebSocket upgrade.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upgrade rejected: %d %s", e.Code, http.StatusText(e.Code))
}
