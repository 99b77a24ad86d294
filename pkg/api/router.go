package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/metrics"
	"github.com/cribcall/cribcall-go/pkg/noise"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/trust"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// Endpoint paths.
const (
	PathHealth      = "/health"
	PathUnpair      = "/unpair"
	PathSubscribe   = "/noise/subscribe"
	PathUnsubscribe = "/noise/unsubscribe"
	PathControl     = "/control/ws"
	PathPairing     = "/pair/ws"
	PathMetrics     = "/metrics"
)

// RoleMonitor is reported by /health.
const RoleMonitor = "monitor"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// TrustStore is the part of trust.Store the endpoints use.
type TrustStore interface {
	IsTrusted(fingerprint string) bool
	Get(fingerprint string) (trust.Peer, bool)
	Update(fingerprint string, fn func(*trust.Peer)) error
	Remove(fingerprint string) bool
}

// Deps are the collaborators of the control router.
type Deps struct {
	Identity    *identity.DeviceIdentity
	Trust       TrustStore
	Connections *transport.Registry
	Noise       *noise.Manager

	// Metrics mounts /metrics when set.
	Metrics *metrics.Metrics

	// Role is reported by /health (default: RoleMonitor).
	Role string

	// StartedAt is the uptime origin (default: router creation).
	StartedAt time.Time

	// IdleTimeout of control streams (default: control.DefaultIdleTimeout).
	IdleTimeout time.Duration

	// MaxFrame bounds control frames (default: transport.DefaultMaxFrameSize).
	MaxFrame int

	Logger         *slog.Logger
	ProtocolLogger log.Logger

	// Now overrides the time source (default: time.Now).
	Now func() time.Time
}

// Router serves the monitor's control endpoints. The same handlers answer
// direct HTTPS calls and HTTP_REQUEST envelopes tunneled over /control/ws.
type Router struct {
	deps   Deps
	mux    *chi.Mux
	logger *slog.Logger
}

// NewRouter builds the control router.
func NewRouter(deps Deps) (*Router, error) {
	if deps.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if deps.Trust == nil {
		return nil, errors.New("trust store is required")
	}
	if deps.Connections == nil {
		deps.Connections = transport.NewRegistry()
	}
	if deps.Role == "" {
		deps.Role = RoleMonitor
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = deps.Now()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	rt := &Router{
		deps:   deps,
		mux:    chi.NewRouter(),
		logger: deps.Logger,
	}

	rt.mux.Use(middleware.Recoverer)
	rt.mux.Get(PathHealth, rt.handleHealth)

	rt.mux.Group(func(r chi.Router) {
		r.Use(rt.requireTrusted)
		r.Post(PathUnpair, rt.handleUnpair)
		r.Post(PathSubscribe, rt.handleSubscribe)
		r.Post(PathUnsubscribe, rt.handleUnsubscribe)
		r.Get(PathControl, rt.handleControl)
	})

	if deps.Metrics != nil {
		rt.mux.Method(http.MethodGet, PathMetrics, deps.Metrics.Handler())
	}
	return rt, nil
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// requireTrusted answers 401 without a client certificate and 403 with an
// untrusted one.
func (rt *Router) requireTrusted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer := transport.PeerFromRequest(r)
		if !peer.Presented {
			writeError(w, http.StatusUnauthorized, ErrCodeClientCertRequired)
			return
		}
		if !rt.deps.Trust.IsTrusted(peer.Fingerprint) {
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Error:       ErrCodeCertNotTrusted,
				Fingerprint: peer.Fingerprint,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	peer := transport.PeerFromRequest(r)
	resp := HealthResponse{
		Status:            "ok",
		Role:              rt.deps.Role,
		MTLS:              peer.Presented,
		Fingerprint:       rt.deps.Identity.CertFingerprint,
		UptimeSec:         int64(rt.deps.Now().Sub(rt.deps.StartedAt) / time.Second),
		ActiveConnections: rt.deps.Connections.Count(),
	}
	if peer.Presented {
		resp.ClientFingerprint = peer.Fingerprint
		resp.Trusted = rt.deps.Trust.IsTrusted(peer.Fingerprint)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleUnpair(w http.ResponseWriter, r *http.Request) {
	var req UnpairRequest
	if !decodeBody(w, r, &req) {
		return
	}
	peer := transport.PeerFromRequest(r)
	deviceID := rt.deviceID(peer)
	if req.DeviceID != "" && req.DeviceID != deviceID {
		rt.logger.Warn("unpair names another device, removing the caller",
			"requested", req.DeviceID,
			"deviceId", deviceID)
	}

	writeJSON(w, http.StatusOK, UnpairResponse{Status: "ok", Unpaired: true})

	remove := func() {
		rt.deps.Trust.Remove(peer.Fingerprint)
		if rt.deps.Noise != nil {
			rt.deps.Noise.RemoveFingerprint(peer.Fingerprint)
		}
		rt.logger.Info("peer unpaired itself", "fingerprint", peer.Fingerprint, "deviceId", deviceID)
	}
	if !afterResponse(r.Context(), remove) {
		remove()
	}
}

func (rt *Router) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req wire.NoiseSubscribe
	if !decodeBody(w, r, &req) {
		return
	}
	res, status, code := rt.subscribe(transport.PeerFromRequest(r), &req)
	if code != "" {
		writeError(w, status, code)
		return
	}
	writeJSON(w, http.StatusOK, SubscribeResponse{
		SubscriptionID:       res.SubscriptionID,
		DeviceID:             res.DeviceID,
		ExpiresAt:            res.ExpiresAt,
		AcceptedLeaseSeconds: res.AcceptedLeaseSeconds,
	})
}

func (rt *Router) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req wire.NoiseUnsubscribe
	if !decodeBody(w, r, &req) {
		return
	}
	res, status, code := rt.unsubscribe(transport.PeerFromRequest(r), &req)
	if code != "" {
		writeError(w, status, code)
		return
	}
	writeJSON(w, http.StatusOK, UnsubscribeResponse{
		DeviceID:     res.DeviceID,
		Unsubscribed: res.Unsubscribed,
	})
}

// subscribe stores a subscription for a trusted peer. On failure it returns
// the HTTP status and error code.
func (rt *Router) subscribe(peer transport.PeerInfo, req *wire.NoiseSubscribe) (*wire.NoiseSubscribeResult, int, string) {
	if rt.deps.Noise == nil {
		return nil, http.StatusServiceUnavailable, ErrCodeUnavailable
	}
	deviceID := rt.deviceID(peer)
	sub, lease, err := rt.deps.Noise.Subscribe(noise.SubscribeRequest{
		DeviceID:        deviceID,
		CertFingerprint: peer.Fingerprint,
		DeliveryToken:   req.DeliveryToken,
		Platform:        req.Platform,
		LeaseSeconds:    req.LeaseSeconds,
		Threshold:       req.Threshold,
		CooldownSeconds: req.CooldownSeconds,
	})
	switch {
	case errors.Is(err, noise.ErrMissingToken):
		return nil, http.StatusBadRequest, ErrCodeMissingToken
	case errors.Is(err, noise.ErrMissingDevice):
		return nil, http.StatusBadRequest, ErrCodeMissingDevice
	case err != nil:
		return nil, http.StatusInternalServerError, err.Error()
	}

	if err := rt.deps.Trust.Update(peer.Fingerprint, func(p *trust.Peer) {
		p.DeliveryToken = sub.DeliveryToken
	}); err != nil && !errors.Is(err, trust.ErrPeerNotFound) {
		rt.logger.Warn("failed to record delivery token", "fingerprint", peer.Fingerprint, "error", err)
	}

	return &wire.NoiseSubscribeResult{
		RequestID:            req.RequestID,
		SubscriptionID:       sub.SubscriptionID,
		DeviceID:             sub.DeviceID,
		ExpiresAt:            sub.ExpiresAtEpochSec,
		AcceptedLeaseSeconds: lease,
	}, http.StatusOK, ""
}

func (rt *Router) unsubscribe(peer transport.PeerInfo, req *wire.NoiseUnsubscribe) (*wire.NoiseUnsubscribeResult, int, string) {
	if rt.deps.Noise == nil {
		return nil, http.StatusServiceUnavailable, ErrCodeUnavailable
	}
	deviceID := rt.deviceID(peer)
	removed, err := rt.deps.Noise.Unsubscribe(deviceID, req.DeliveryToken, req.SubscriptionID)
	switch {
	case errors.Is(err, noise.ErrMissingIdentifier):
		return nil, http.StatusBadRequest, ErrCodeMissingIdentifier
	case errors.Is(err, noise.ErrMissingDevice):
		return nil, http.StatusBadRequest, ErrCodeMissingDevice
	case err != nil:
		return nil, http.StatusInternalServerError, err.Error()
	}
	return &wire.NoiseUnsubscribeResult{
		RequestID:    req.RequestID,
		DeviceID:     deviceID,
		Unsubscribed: removed,
	}, http.StatusOK, ""
}

// deviceID prefers the id recorded at pairing over the certificate SAN.
func (rt *Router) deviceID(peer transport.PeerInfo) string {
	if p, ok := rt.deps.Trust.Get(peer.Fingerprint); ok && p.RemoteDeviceID != "" {
		return p.RemoteDeviceID
	}
	return peer.DeviceID()
}

// decodeBody reads a JSON body into v. An empty body leaves v zero.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody)
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody)
		return false
	}
	return true
}

type afterResponseKey struct{}

type deferredHooks struct {
	fns []func()
}

// afterResponse queues fn to run after a tunneled response was sent. It
// reports false for direct requests, where the caller runs fn itself.
func afterResponse(ctx context.Context, fn func()) bool {
	h, ok := ctx.Value(afterResponseKey{}).(*deferredHooks)
	if !ok {
		return false
	}
	h.fns = append(h.fns, fn)
	return true
}
