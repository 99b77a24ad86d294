package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cribcall/cribcall-go/pkg/control"
	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/metrics"
	"github.com/cribcall/cribcall-go/pkg/pairing"
	"github.com/cribcall/cribcall-go/pkg/transport"
)

// Pairing endpoint defaults.
const (
	DefaultPairingRate       = 10
	DefaultPairingRateWindow = time.Minute

	// pairingStreamTimeout bounds a whole pairing exchange, including the
	// operator's decision.
	pairingStreamTimeout = 5 * time.Minute
)

// PairingDeps are the collaborators of the pairing router.
type PairingDeps struct {
	Identity *identity.DeviceIdentity
	Monitor  *pairing.Monitor

	// RateLimit is the number of upgrades per RateWindow and client IP.
	RateLimit  int
	RateWindow time.Duration

	MaxFrame    int
	IdleTimeout time.Duration

	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	ProtocolLogger log.Logger

	// OnPaired is called after a confirmed pairing (optional).
	OnPaired func(pairing.Result)
}

// PairingRouter serves the pairing port, which accepts untrusted clients.
type PairingRouter struct {
	deps    PairingDeps
	mux     *chi.Mux
	logger  *slog.Logger
	started time.Time
}

// NewPairingRouter builds the pairing router.
func NewPairingRouter(deps PairingDeps) (*PairingRouter, error) {
	if deps.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if deps.Monitor == nil {
		return nil, errors.New("pairing monitor is required")
	}
	if deps.RateLimit <= 0 {
		deps.RateLimit = DefaultPairingRate
	}
	if deps.RateWindow <= 0 {
		deps.RateWindow = DefaultPairingRateWindow
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	pr := &PairingRouter{
		deps:    deps,
		mux:     chi.NewRouter(),
		logger:  deps.Logger,
		started: time.Now(),
	}
	pr.mux.Use(middleware.Recoverer)
	pr.mux.Get(PathHealth, pr.handleHealth)
	pr.mux.With(httprate.LimitByIP(deps.RateLimit, deps.RateWindow)).Get(PathPairing, pr.handlePairing)
	return pr, nil
}

// ServeHTTP implements http.Handler.
func (pr *PairingRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pr.mux.ServeHTTP(w, r)
}

func (pr *PairingRouter) handleHealth(w http.ResponseWriter, r *http.Request) {
	peer := transport.PeerFromRequest(r)
	resp := HealthResponse{
		Status:      "ok",
		Role:        RoleMonitor,
		MTLS:        peer.Presented,
		Fingerprint: pr.deps.Identity.CertFingerprint,
		UptimeSec:   int64(time.Since(pr.started) / time.Second),
	}
	if peer.Presented {
		resp.ClientFingerprint = peer.Fingerprint
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePairing runs one PIN pairing exchange per WebSocket.
func (pr *PairingRouter) handlePairing(w http.ResponseWriter, r *http.Request) {
	var cert pairing.PeerCertificate
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		der := r.TLS.PeerCertificates[0].Raw
		cert = pairing.PeerCertificate{Fingerprint: identity.Fingerprint(der), DER: der}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		pr.logger.Debug("pairing upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	stream := control.NewWSStream(conn, control.WSOptions{IdleTimeout: pr.deps.IdleTimeout})
	connID := uuid.NewString()
	mc := control.NewMessageConn(stream, pr.deps.MaxFrame, pr.deps.ProtocolLogger, connID)

	ctx, cancel := context.WithTimeout(context.Background(), pairingStreamTimeout)
	defer cancel()

	logger := pr.logger.With("connectionId", connID, "remote", r.RemoteAddr)
	logger.Info("pairing stream open", "peer", cert.Fingerprint)

	result, err := pr.deps.Monitor.Serve(ctx, mc, cert)
	pr.deps.Metrics.PairingOutcome(pairingOutcome(err))
	if err != nil {
		logger.Info("pairing failed", "reason", string(pairing.ReasonOf(err)), "error", err)
		_ = stream.CloseWithReason(websocket.CloseNormalClosure, string(pairing.ReasonOf(err)))
		return
	}

	logger.Info("pairing confirmed",
		"deviceId", result.Peer.RemoteDeviceID,
		"fingerprint", result.Peer.CertFingerprint)
	_ = stream.CloseWithReason(websocket.CloseNormalClosure, "")
	if pr.deps.OnPaired != nil {
		pr.deps.OnPaired(result)
	}
}

func pairingOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeConfirmed
	case errors.Is(err, pairing.ErrExpired):
		return metrics.OutcomeExpired
	case errors.Is(err, pairing.ErrRejected), errors.Is(err, pairing.ErrAttemptsExceeded):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}
