package pairing

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cribcall/cribcall-go/pkg/canonical"
	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/trust"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// MessageStream exchanges wire messages for one pairing attempt.
type MessageStream interface {
	Send(ctx context.Context, msg wire.Message) error
	Receive(ctx context.Context) (wire.Message, error)
}

// PeerAdder records a newly trusted peer. trust.Store satisfies it.
type PeerAdder interface {
	AddPeer(p trust.Peer) error
}

// PendingPairing is shown to the monitor operator for confirmation.
type PendingPairing struct {
	SessionID        string
	ComparisonCode   string
	ListenerName     string
	ListenerDeviceID string
	Fingerprint      string
}

// Confirmer asks the operator to accept a pairing. ctx expires with the session.
type Confirmer interface {
	ConfirmPairing(ctx context.Context, p PendingPairing) (bool, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, p PendingPairing) (bool, error)

// ConfirmPairing calls f.
func (f ConfirmerFunc) ConfirmPairing(ctx context.Context, p PendingPairing) (bool, error) {
	return f(ctx, p)
}

// Result describes a completed pairing.
type Result struct {
	SessionID      string
	ComparisonCode string
	Peer           trust.Peer
}

// PeerCertificate is the certificate the listener presented on the pairing
// connection, if any.
type PeerCertificate struct {
	Fingerprint string
	DER         []byte
}

// MonitorConfig configures the monitor side of PIN pairing.
type MonitorConfig struct {
	Identity  *identity.DeviceIdentity
	Name      string
	Sessions  *Manager
	Trust     PeerAdder
	Confirmer Confirmer

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Monitor runs the monitor side of PIN and QR-token pairing.
type Monitor struct {
	config MonitorConfig
	logger *slog.Logger
}

// NewMonitor creates the monitor-side handler.
func NewMonitor(config MonitorConfig) (*Monitor, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if config.Trust == nil {
		return nil, fmt.Errorf("trust store is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Monitor{config: config, logger: config.Logger}, nil
}

// exchange holds the state of one pairing attempt on either side.
type exchange struct {
	transcript  canonical.Transcript
	shared      []byte
	monitorKey  []byte
	listenerKey []byte
}

func newExchange(t canonical.Transcript, shared []byte) (*exchange, error) {
	mk, lk, err := transcriptKeys(shared)
	if err != nil {
		return nil, err
	}
	return &exchange{transcript: t, shared: shared, monitorKey: mk, listenerKey: lk}, nil
}

// Serve runs one pairing attempt on stream. A failure ends only this
// attempt; the listener may open a new stream and retry while the session
// is active.
func (m *Monitor) Serve(ctx context.Context, stream MessageStream, peer PeerCertificate) (Result, error) {
	msg, err := stream.Receive(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("receive pair request: %w", err)
	}
	req, ok := msg.(*wire.PairRequest)
	if !ok {
		return Result{}, m.reject(ctx, stream, "", failure(ReasonInvalidRequest, fmt.Errorf("unexpected %s", msg.Type())))
	}
	m.logMessage(req, log.DirectionIn)

	listenerFP, certDER, err := m.checkRequest(req, peer)
	if err != nil {
		return Result{}, m.reject(ctx, stream, req.PairingSessionID, err)
	}

	session, ok := m.config.Sessions.Active()
	if !ok {
		return Result{}, m.reject(ctx, stream, req.PairingSessionID, ErrNoActiveSession)
	}
	if req.PairingSessionID != "" && req.PairingSessionID != session.ID {
		return Result{}, m.reject(ctx, stream, req.PairingSessionID, ErrSessionMismatch)
	}
	sid := session.ID

	// Everything below is bounded by the session lifetime.
	sessions := m.config.Sessions
	ctx, cancel := context.WithTimeout(ctx, session.Remaining(sessions.config.Now()))
	defer cancel()

	pA, err := base64.StdEncoding.DecodeString(req.PakeShare)
	if err != nil {
		return Result{}, m.reject(ctx, stream, sid, failure(ReasonInvalidRequest, fmt.Errorf("pakeShare: %w", err)))
	}

	// The challenge tag lets the listener test a PIN guess offline, so the
	// attempt is charged before it is sent. Only a valid PAIR_CONFIRM refunds
	// it; a dropped stream counts as a failure.
	if _, err := sessions.BeginAttempt(sid); err != nil {
		return Result{}, m.reject(ctx, stream, sid, err)
	}
	settled := false
	settle := func(ok bool) error {
		settled = true
		_, err := sessions.EndAttempt(sid, ok)
		return err
	}
	defer func() {
		if !settled {
			_ = settle(false)
		}
	}()
	failAttempt := func(cause *Error) error {
		if err := settle(false); errors.Is(err, ErrAttemptsExceeded) {
			cause = &Error{Reason: ReasonAttemptsExceeded, Err: cause}
		}
		return m.reject(ctx, stream, sid, cause)
	}

	vs, err := NewVerifierSession(session.PIN, req.DeviceID, m.config.Identity.CertFingerprint)
	if err != nil {
		return Result{}, m.reject(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}
	if err := vs.Finish(pA); err != nil {
		return Result{}, failAttempt(failure(ReasonPAKEFailed, err))
	}

	ex, err := newExchange(canonical.Transcript{
		PairingSessionID:        sid,
		MonitorDeviceID:         m.config.Identity.DeviceID,
		MonitorPublicKey:        base64.StdEncoding.EncodeToString(m.config.Identity.PublicKey),
		MonitorCertFingerprint:  m.config.Identity.CertFingerprint,
		ListenerDeviceID:        req.DeviceID,
		ListenerPublicKey:       req.PublicKey,
		ListenerCertFingerprint: listenerFP,
		MonitorShare:            base64.StdEncoding.EncodeToString(vs.Share()),
		ListenerShare:           req.PakeShare,
	}, vs.SharedSecret())
	if err != nil {
		return Result{}, m.reject(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}
	tag, err := canonical.AuthTag(ex.transcript, ex.monitorKey)
	if err != nil {
		return Result{}, m.reject(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}

	challenge := &wire.PairChallenge{
		PairingSessionID: sid,
		DeviceID:         m.config.Identity.DeviceID,
		MonitorName:      m.config.Name,
		CertFingerprint:  m.config.Identity.CertFingerprint,
		PublicKey:        ex.transcript.MonitorPublicKey,
		PakeShare:        ex.transcript.MonitorShare,
		AuthTag:          tag,
		KeyConfirm:       base64.StdEncoding.EncodeToString(vs.Confirmation()),
	}
	if err := m.send(ctx, stream, challenge); err != nil {
		return Result{}, err
	}

	msg, err = stream.Receive(ctx)
	if err != nil {
		return Result{}, m.abort(ctx, stream, sid, err)
	}
	m.logMessage(msg, log.DirectionIn)
	switch reply := msg.(type) {
	case *wire.PairConfirm:
		if reply.PairingSessionID != sid {
			return Result{}, m.reject(ctx, stream, sid, ErrSessionMismatch)
		}
		if err := canonical.VerifyTag(ex.transcript, ex.listenerKey, reply.AuthTag); err != nil {
			return Result{}, failAttempt(failure(ReasonTranscriptMismatch, err))
		}
		if err := verifyKeyConfirm(vs, reply.KeyConfirm); err != nil {
			return Result{}, failAttempt(failure(ReasonPAKEFailed, err))
		}
		if err := settle(true); err != nil {
			return Result{}, m.reject(ctx, stream, sid, err)
		}
	case *wire.PairReject:
		// The listener could not verify our tag: wrong secret on one side.
		reason := reasonFromWire(reply.Reason)
		if err := settle(false); errors.Is(err, ErrAttemptsExceeded) {
			reason = ReasonAttemptsExceeded
		}
		return Result{}, failure(reason, errors.New("listener aborted"))
	default:
		return Result{}, m.reject(ctx, stream, sid, failure(ReasonInvalidRequest, fmt.Errorf("unexpected %s", msg.Type())))
	}

	code, err := ComparisonCode(ex.shared)
	if err != nil {
		return Result{}, m.reject(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}
	if _, err := sessions.Verified(sid, code); err != nil {
		return Result{}, m.reject(ctx, stream, sid, err)
	}

	if err := m.decide(ctx, session, PendingPairing{
		SessionID:        sid,
		ComparisonCode:   code,
		ListenerName:     req.DeviceName,
		ListenerDeviceID: req.DeviceID,
		Fingerprint:      listenerFP,
	}); err != nil {
		return Result{}, m.reject(ctx, stream, sid, err)
	}

	name := req.DeviceName
	if name == "" {
		name = req.DeviceID
	}
	p := trust.Peer{
		RemoteDeviceID:  req.DeviceID,
		Name:            name,
		CertFingerprint: listenerFP,
		AddedAtEpochSec: time.Now().Unix(),
		CertificateDER:  certDER,
	}
	if err := m.config.Trust.AddPeer(p); err != nil {
		return Result{}, m.reject(ctx, stream, sid, failure(ReasonRejected, err))
	}
	m.logger.Info("listener paired",
		"deviceId", p.RemoteDeviceID,
		"name", p.Name,
		"fingerprint", p.CertFingerprint)

	accept := &wire.PairAccept{
		PairingSessionID: sid,
		DeviceID:         m.config.Identity.DeviceID,
		ComparisonCode:   code,
	}
	if err := m.send(ctx, stream, accept); err != nil {
		return Result{}, err
	}
	return Result{SessionID: sid, ComparisonCode: code, Peer: p}, nil
}

// peerConfirmer is the side of a finished SPAKE2+ exchange that checks the
// other side's key confirmation MAC.
type peerConfirmer interface {
	VerifyPeerConfirmation(mac []byte) error
}

func verifyKeyConfirm(c peerConfirmer, encoded string) error {
	mac, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("keyConfirm: %w", err)
	}
	return c.VerifyPeerConfirmation(mac)
}

// checkRequest validates the request against the TLS-presented certificate
// and returns the listener fingerprint and certificate.
func (m *Monitor) checkRequest(req *wire.PairRequest, peer PeerCertificate) (string, []byte, error) {
	if req.DeviceID == "" || req.PublicKey == "" || req.PakeShare == "" {
		return "", nil, failure(ReasonInvalidRequest, errors.New("missing fields"))
	}
	fp := identity.NormalizeFingerprint(req.CertFingerprint)

	der := peer.DER
	if len(der) == 0 && req.Certificate != "" {
		b, err := base64.StdEncoding.DecodeString(req.Certificate)
		if err != nil {
			return "", nil, failure(ReasonInvalidRequest, fmt.Errorf("certificateDer: %w", err))
		}
		der = b
	}
	if len(der) == 0 {
		return "", nil, failure(ReasonInvalidRequest, errors.New("listener certificate is required"))
	}
	if actual := identity.Fingerprint(der); actual != fp {
		return "", nil, failure(ReasonInvalidRequest, fmt.Errorf("certFingerprint %s does not match certificate %s", fp, actual))
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", nil, failure(ReasonInvalidRequest, err)
	}
	certKey, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return "", nil, failure(ReasonInvalidRequest, err)
	}
	reqKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || !bytes.Equal(reqKey, certKey) {
		return "", nil, failure(ReasonInvalidRequest, errors.New("publicKey does not match certificate"))
	}
	return fp, der, nil
}

// decide confirms the verified session, asking the operator unless the
// session confirms automatically.
func (m *Monitor) decide(ctx context.Context, session *Session, pending PendingPairing) error {
	sessions := m.config.Sessions
	if !session.AutoConfirm {
		if m.config.Confirmer == nil {
			_, _ = sessions.Reject(session.ID)
			return failure(ReasonRejected, errors.New("no operator to confirm"))
		}
		ok, err := m.config.Confirmer.ConfirmPairing(ctx, pending)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrExpired
		}
		if err != nil {
			_, _ = sessions.Reject(session.ID)
			return failure(ReasonRejected, err)
		}
		if !ok {
			_, _ = sessions.Reject(session.ID)
			return ErrRejected
		}
	}
	if _, err := sessions.Confirm(session.ID); err != nil {
		return err
	}
	return nil
}

// abort handles a stream failure mid-exchange.
func (m *Monitor) abort(ctx context.Context, stream MessageStream, sid string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return m.reject(context.Background(), stream, sid, ErrExpired)
	}
	return fmt.Errorf("pairing stream: %w", err)
}

// reject sends PAIR_REJECT and returns err as a pairing Error.
func (m *Monitor) reject(ctx context.Context, stream MessageStream, sid string, err error) error {
	var pe *Error
	if !errors.As(err, &pe) {
		pe = failure(ReasonRejected, err)
	}
	if ctx.Err() != nil {
		// The session deadline passed; the reject still goes out.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	_ = m.send(ctx, stream, &wire.PairReject{PairingSessionID: sid, Reason: wireReason(pe.Reason)})
	m.logger.Info("pairing rejected", "sessionId", sid, "reason", string(pe.Reason), "error", err)
	return pe
}

func (m *Monitor) send(ctx context.Context, stream MessageStream, msg wire.Message) error {
	m.logMessage(msg, log.DirectionOut)
	if err := stream.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

func (m *Monitor) logMessage(msg wire.Message, dir log.Direction) {
	logPairingMessage(m.config.ProtocolLogger, log.RoleMonitor, msg, dir)
}

func logPairingMessage(l log.Logger, role log.Role, msg wire.Message, dir log.Direction) {
	if l == nil {
		return
	}
	l.Log(log.Event{
		Timestamp: time.Now(),
		Direction: dir,
		Layer:     log.LayerPairing,
		Category:  log.CategoryMessage,
		LocalRole: role,
		Message: &log.MessageEvent{
			Type:      string(msg.Type()),
			RequestID: wire.RequestID(msg),
		},
	})
}

// ListenerConfig configures the listener side of PIN pairing.
type ListenerConfig struct {
	Identity *identity.DeviceIdentity
	Name     string
	Trust    PeerAdder

	// OnComparisonCode is called with the code to display while the monitor
	// operator decides.
	OnComparisonCode func(code string)

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Listener runs the listener side of PIN and QR-token pairing.
type Listener struct {
	config ListenerConfig
	logger *slog.Logger
}

// NewListener creates the listener-side client.
func NewListener(config ListenerConfig) (*Listener, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Trust == nil {
		return nil, fmt.Errorf("trust store is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Listener{config: config, logger: config.Logger}, nil
}

// Pair runs one pairing attempt with the monitor whose certificate
// fingerprint is monitorFingerprint, using secret (a PIN or a QR token).
// On success the monitor is added to the trust store.
func (l *Listener) Pair(ctx context.Context, stream MessageStream, secret, monitorFingerprint string) (Result, error) {
	monitorFP := identity.NormalizeFingerprint(monitorFingerprint)
	if !identity.ValidFingerprint(monitorFP) {
		return Result{}, failure(ReasonInvalidRequest, fmt.Errorf("invalid monitor fingerprint %q", monitorFingerprint))
	}
	id := l.config.Identity

	prover, err := NewProver(secret, id.DeviceID, monitorFP)
	if err != nil {
		return Result{}, failure(ReasonPAKEFailed, err)
	}
	req := &wire.PairRequest{
		DeviceID:        id.DeviceID,
		DeviceName:      l.config.Name,
		CertFingerprint: id.CertFingerprint,
		Certificate:     base64.StdEncoding.EncodeToString(id.CertificateDER),
		PublicKey:       base64.StdEncoding.EncodeToString(id.PublicKey),
		PakeShare:       base64.StdEncoding.EncodeToString(prover.Share()),
	}
	if err := l.send(ctx, stream, req); err != nil {
		return Result{}, err
	}

	msg, err := l.receive(ctx, stream)
	if err != nil {
		return Result{}, err
	}
	var challenge *wire.PairChallenge
	switch v := msg.(type) {
	case *wire.PairChallenge:
		challenge = v
	case *wire.PairReject:
		return Result{}, failure(reasonFromWire(v.Reason), errors.New("rejected by monitor"))
	default:
		return Result{}, failure(ReasonInvalidRequest, fmt.Errorf("unexpected %s", msg.Type()))
	}
	sid := challenge.PairingSessionID

	if identity.NormalizeFingerprint(challenge.CertFingerprint) != monitorFP {
		return Result{}, l.abort(ctx, stream, sid, failure(ReasonTranscriptMismatch, errors.New("monitor fingerprint differs from pinned")))
	}
	pB, err := base64.StdEncoding.DecodeString(challenge.PakeShare)
	if err != nil {
		return Result{}, l.abort(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}
	if err := prover.Finish(pB); err != nil {
		return Result{}, l.abort(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}

	ex, err := newExchange(canonical.Transcript{
		PairingSessionID:        sid,
		MonitorDeviceID:         challenge.DeviceID,
		MonitorPublicKey:        challenge.PublicKey,
		MonitorCertFingerprint:  monitorFP,
		ListenerDeviceID:        id.DeviceID,
		ListenerPublicKey:       req.PublicKey,
		ListenerCertFingerprint: id.CertFingerprint,
		MonitorShare:            challenge.PakeShare,
		ListenerShare:           req.PakeShare,
	}, prover.SharedSecret())
	if err != nil {
		return Result{}, l.abort(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}
	if err := canonical.VerifyTag(ex.transcript, ex.monitorKey, challenge.AuthTag); err != nil {
		return Result{}, l.abort(ctx, stream, sid, failure(ReasonTranscriptMismatch, err))
	}
	if err := verifyKeyConfirm(prover, challenge.KeyConfirm); err != nil {
		return Result{}, l.abort(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}

	tag, err := canonical.AuthTag(ex.transcript, ex.listenerKey)
	if err != nil {
		return Result{}, l.abort(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}
	code, err := ComparisonCode(ex.shared)
	if err != nil {
		return Result{}, l.abort(ctx, stream, sid, failure(ReasonPAKEFailed, err))
	}
	if err := l.send(ctx, stream, &wire.PairConfirm{
		PairingSessionID: sid,
		AuthTag:          tag,
		KeyConfirm:       base64.StdEncoding.EncodeToString(prover.Confirmation()),
	}); err != nil {
		return Result{}, err
	}
	if l.config.OnComparisonCode != nil {
		l.config.OnComparisonCode(code)
	}

	msg, err = l.receive(ctx, stream)
	if err != nil {
		return Result{}, err
	}
	switch v := msg.(type) {
	case *wire.PairAccept:
		if v.ComparisonCode != "" && v.ComparisonCode != code {
			return Result{}, failure(ReasonComparisonMismatch, errors.New("monitor reported a different comparison code"))
		}
	case *wire.PairReject:
		return Result{}, failure(reasonFromWire(v.Reason), errors.New("rejected by monitor"))
	default:
		return Result{}, failure(ReasonInvalidRequest, fmt.Errorf("unexpected %s", msg.Type()))
	}

	name := challenge.MonitorName
	if name == "" {
		name = challenge.DeviceID
	}
	p := trust.Peer{
		RemoteDeviceID:  challenge.DeviceID,
		Name:            name,
		CertFingerprint: monitorFP,
		AddedAtEpochSec: time.Now().Unix(),
	}
	if err := l.config.Trust.AddPeer(p); err != nil {
		return Result{}, fmt.Errorf("store monitor: %w", err)
	}
	l.logger.Info("paired with monitor", "deviceId", p.RemoteDeviceID, "name", p.Name, "fingerprint", p.CertFingerprint)
	return Result{SessionID: sid, ComparisonCode: code, Peer: p}, nil
}

// abort tells the monitor this attempt failed, then returns cause.
func (l *Listener) abort(ctx context.Context, stream MessageStream, sid string, cause *Error) error {
	_ = l.send(ctx, stream, &wire.PairReject{PairingSessionID: sid, Reason: wireReason(cause.Reason)})
	return cause
}

func (l *Listener) send(ctx context.Context, stream MessageStream, msg wire.Message) error {
	logPairingMessage(l.config.ProtocolLogger, log.RoleListener, msg, log.DirectionOut)
	if err := stream.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

func (l *Listener) receive(ctx context.Context, stream MessageStream) (wire.Message, error) {
	msg, err := stream.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("pairing stream: %w", err)
	}
	logPairingMessage(l.config.ProtocolLogger, log.RoleListener, msg, log.DirectionIn)
	return msg, nil
}
