package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cribcall/cribcall-go/pkg/control"
	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// tunnelTimeout bounds one tunneled HTTP_REQUEST and the send of its reply.
const tunnelTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Listeners are native clients; there is no browser origin to check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleControl upgrades a trusted request to a control channel and serves
// it until the channel ends.
func (rt *Router) handleControl(w http.ResponseWriter, r *http.Request) {
	peer := transport.PeerFromRequest(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		rt.logger.Debug("control upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	idle := rt.deps.IdleTimeout
	if idle <= 0 {
		idle = control.DefaultIdleTimeout
	}
	stream := control.NewWSStream(conn, control.WSOptions{
		IdleTimeout:  idle,
		PingInterval: idle / 2,
	})
	ch := control.New(stream, control.Options{
		PeerFingerprint: peer.Fingerprint,
		RemoteAddr:      r.RemoteAddr,
		MaxFrame:        rt.deps.MaxFrame,
		Role:            log.RoleMonitor,
		ProtocolLogger:  rt.deps.ProtocolLogger,
		Logger:          rt.logger,
		Metrics:         rt.deps.Metrics,
	})

	id := rt.deps.Connections.Register(ch)
	defer rt.deps.Connections.Unregister(id)

	ch.Start()

	// Trust may have been revoked between the check and Register.
	if !rt.deps.Trust.IsTrusted(peer.Fingerprint) {
		_ = ch.Disconnect(transport.ReasonTrustRevoked)
	}

	rt.logger.Info("control channel open",
		"connectionId", ch.ID(),
		"peer", peer.Fingerprint,
		"remote", r.RemoteAddr)

	s := &session{rt: rt, ch: ch, peer: peer, tls: r.TLS, remoteAddr: r.RemoteAddr}
	for ev := range ch.Events() {
		switch ev.Kind {
		case control.EventMessage:
			s.dispatch(ev.Message)
		case control.EventFailed:
			rt.logger.Info("control channel failed",
				"connectionId", ch.ID(),
				"peer", peer.Fingerprint,
				"kind", string(ev.Failure.Kind),
				"error", ev.Failure.Err)
		case control.EventClosed:
			rt.logger.Info("control channel closed",
				"connectionId", ch.ID(),
				"peer", peer.Fingerprint)
		}
	}
}

// session serves the messages of one control channel.
type session struct {
	rt         *Router
	ch         *control.Channel
	peer       transport.PeerInfo
	tls        *tls.ConnectionState
	remoteAddr string
}

func (s *session) dispatch(msg wire.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), tunnelTimeout)
	defer cancel()

	var reply wire.Message
	var after []func()

	switch m := msg.(type) {
	case *wire.Ping:
		reply = &wire.Pong{Timestamp: m.Timestamp}

	case *wire.NoiseSubscribe:
		res, _, code := s.rt.subscribe(s.peer, m)
		if code != "" {
			res = &wire.NoiseSubscribeResult{RequestID: m.RequestID, Error: code}
		}
		reply = res

	case *wire.NoiseUnsubscribe:
		res, _, code := s.rt.unsubscribe(s.peer, m)
		if code != "" {
			res = &wire.NoiseUnsubscribeResult{RequestID: m.RequestID, Error: code}
		}
		reply = res

	case *wire.HTTPRequest:
		reply, after = s.tunnel(ctx, m)

	case *wire.Pong:
		return

	default:
		s.rt.logger.Debug("ignoring control message",
			"connectionId", s.ch.ID(),
			"type", string(msg.Type()))
		return
	}

	if err := s.ch.Send(ctx, reply); err != nil {
		s.rt.logger.Debug("control reply not sent",
			"connectionId", s.ch.ID(),
			"type", string(reply.Type()),
			"error", err)
	}
	if len(after) == 0 {
		return
	}
	if err := s.ch.Flush(ctx); err != nil {
		s.rt.logger.Debug("control reply not flushed", "connectionId", s.ch.ID(), "error", err)
	}
	for _, fn := range after {
		fn()
	}
}

// tunnel runs an HTTP_REQUEST through the router with the channel's TLS
// state, so trust checks are those of a direct call.
func (s *session) tunnel(ctx context.Context, m *wire.HTTPRequest) (*wire.HTTPResponse, []func()) {
	method := strings.ToUpper(m.Method)
	if method == "" {
		method = http.MethodGet
	}
	path := m.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	// Nested upgrades are meaningless on an upgraded stream.
	if path == PathControl || path == PathPairing {
		return tunnelError(m.RequestID, http.StatusBadRequest, ErrCodeUpgradeFailed), nil
	}

	hooks := &deferredHooks{}
	ctx = context.WithValue(ctx, afterResponseKey{}, hooks)

	req, err := http.NewRequestWithContext(ctx, method, path, bytes.NewReader(m.Body))
	if err != nil {
		return tunnelError(m.RequestID, http.StatusBadRequest, ErrCodeInvalidBody), nil
	}
	req.RequestURI = path
	req.RemoteAddr = s.remoteAddr
	req.TLS = s.tls
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.rt.mux.ServeHTTP(rec, req)

	body := bytes.TrimSpace(rec.Body.Bytes())
	resp := &wire.HTTPResponse{RequestID: m.RequestID, Status: rec.Code}
	if len(body) > 0 && json.Valid(body) {
		resp.Body = json.RawMessage(body)
	}
	return resp, hooks.fns
}

func tunnelError(requestID string, status int, code string) *wire.HTTPResponse {
	body, _ := json.Marshal(ErrorResponse{Error: code})
	return &wire.HTTPResponse{RequestID: requestID, Status: status, Body: body}
}
