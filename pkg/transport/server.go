package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/log"
)

// Server defaults.
const (
	// DefaultIdleTimeout closes keep-alive HTTP connections with no traffic.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultReadHeaderTimeout bounds the time to read request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// ServerConfig configures a monitor TLS server.
type ServerConfig struct {
	// Addr to listen on (e.g., ":48080" or "127.0.0.1:0").
	Addr string

	// Identity is the monitor's device identity.
	Identity *identity.DeviceIdentity

	// Trust decides which client certificates are accepted.
	// Required unless AllowUntrustedClients is set.
	Trust TrustChecker

	// AllowUntrustedClients accepts any or no client certificate during the
	// handshake. Handlers must then check trust per request.
	AllowUntrustedClients bool

	// Handler serves HTTP requests and WebSocket upgrades.
	Handler http.Handler

	// IdleTimeout for keep-alive connections (default: 30s).
	IdleTimeout time.Duration

	// Logger for operational logs (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives connection state events (optional).
	ProtocolLogger log.Logger
}

// Server is an HTTPS server with mutual TLS, used for both the control and
// the pairing endpoint of a monitor.
type Server struct {
	config   ServerConfig
	tlsConf  *tls.Config
	listener net.Listener
	http     *http.Server
	logger   *slog.Logger

	running atomic.Bool
	mu      sync.Mutex
	done    chan struct{}
	serveMu sync.WaitGroup
}

// NewServer creates a server. It does not listen until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if !config.AllowUntrustedClients && config.Trust == nil {
		return nil, fmt.Errorf("trust checker is required for trusted-only servers")
	}
	if config.Addr == "" {
		config.Addr = fmt.Sprintf(":%d", DefaultControlPort)
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Server{
		config: config,
		logger: config.Logger,
	}

	var verify func([]byte) error
	if !config.AllowUntrustedClients {
		verify = func(der []byte) error {
			_, err := s.VerifyPeer(der)
			return err
		}
	}
	tlsConf, err := NewServerTLSConfig(config.Identity, verify)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	s.tlsConf = tlsConf

	s.http = &http.Server{
		Handler:           config.Handler,
		IdleTimeout:       config.IdleTimeout,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ConnState:         s.connState,
		ErrorLog:          slog.NewLogLogger(config.Logger.Handler(), slog.LevelDebug),
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){
			ALPNProtocol: serveControlALPN,
		},
	}
	return s, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.done = make(chan struct{})
	s.running.Store(true)

	s.serveMu.Add(1)
	go func() {
		defer s.serveMu.Done()
		defer close(s.done)
		err := s.http.Serve(tls.NewListener(ln, s.tlsConf))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "addr", ln.Addr().String(), "error", err)
		}
	}()

	s.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"allowUntrusted", s.config.AllowUntrustedClients)
	return nil
}

// Stop closes the listener and all connections, including upgraded ones.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Swap(false) {
		return nil
	}
	err := s.http.Close()
	s.serveMu.Wait()
	return err
}

// Done is closed when the serve loop has exited.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// VerifyPeer returns the fingerprint of certDER and ErrUntrustedPeer when the
// trust checker does not know it.
func (s *Server) VerifyPeer(certDER []byte) (string, error) {
	if len(certDER) == 0 {
		return "", ErrNoPeerCertificate
	}
	fp := identity.Fingerprint(certDER)
	if s.config.Trust == nil || !s.config.Trust.IsTrusted(fp) {
		return fp, fmt.Errorf("%w: %s", ErrUntrustedPeer, fp)
	}
	return fp, nil
}

func (s *Server) connState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew, http.StateHijacked, http.StateClosed:
	default:
		return
	}
	s.logger.Debug("connection state", "remote", c.RemoteAddr().String(), "state", state.String())
	if s.config.ProtocolLogger == nil {
		return
	}
	s.config.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		Layer:      log.LayerTransport,
		Category:   log.CategoryState,
		LocalRole:  log.RoleMonitor,
		RemoteAddr: c.RemoteAddr().String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			NewState: state.String(),
		},
	})
}

// serveControlALPN serves HTTP/1.1 on a connection that negotiated the
// cribcall-ctrl protocol. net/http drops connections with an unknown
// negotiated protocol, so the connection is handed to a one-shot server
// which sees it as plain TCP; h fills in the TLS state per request.
func serveControlALPN(parent *http.Server, conn *tls.Conn, h http.Handler) {
	c := &closeNotifyConn{Conn: conn, closed: make(chan struct{})}
	inner := &http.Server{
		Handler:           h,
		IdleTimeout:       parent.IdleTimeout,
		ReadHeaderTimeout: parent.ReadHeaderTimeout,
		ErrorLog:          parent.ErrorLog,
	}
	_ = inner.Serve(&singleConnListener{conn: c})
	<-c.closed
}

// closeNotifyConn signals when the connection is closed, also after a hijack.
type closeNotifyConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func (c *closeNotifyConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}

// singleConnListener yields one connection, then blocks until it is closed.
type singleConnListener struct {
	conn *closeNotifyConn
	used atomic.Bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.used.CompareAndSwap(false, true) {
		return l.conn, nil
	}
	<-l.conn.closed
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
