package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cribcall/cribcall-go/pkg/api"
	"github.com/cribcall/cribcall-go/pkg/control"
	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/pairing"
	"github.com/cribcall/cribcall-go/pkg/persistence"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/trust"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// ListenerService orchestrates a listener: its identity, the monitors it
// trusts, pairing and control channels to those monitors.
type ListenerService struct {
	mu sync.RWMutex

	config ListenerConfig
	state  ServiceState

	idStore   identity.Store
	identity  *identity.DeviceIdentity
	trust     *trust.Store
	trustRepo *trust.SQLiteRepository
	links     *persistence.ListenerStateStore
	conns     *transport.Registry

	// memLinks holds monitor addresses when there is no data directory.
	memLinks map[string]string

	eventHandlers []EventHandler
	logger        *slog.Logger
}

// NewListenerService creates a listener service. Nothing is opened until Start.
func NewListenerService(config ListenerConfig) (*ListenerService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = control.DefaultHandshakeTimeout
	}
	return &ListenerService{
		config:  config,
		state:   StateIdle,
		idStore: identityStore(config.DataDir),
		conns:   transport.NewRegistry(),
		logger:  config.Logger,
	}, nil
}

// Start loads the identity and the trusted monitors.
func (s *ListenerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyStarted
	}

	id, created, err := identity.LoadOrCreate(s.idStore, s.config.DeviceID)
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("generated device identity", "deviceId", id.DeviceID)
	}

	store := trust.NewStore()
	if s.config.DataDir != "" {
		repo, err := trust.OpenSQLite(s.config.DataDir)
		if err != nil {
			return err
		}
		if store, err = trust.Open(repo); err != nil {
			_ = repo.Close()
			return err
		}
		s.trustRepo = repo
		s.links = persistence.NewListenerStateStore(filepath.Join(s.config.DataDir, persistence.ListenerStateFile))
	}
	store.SetLogger(s.logger)
	store.SetDisconnector(s.conns)
	store.OnRemove(s.onMonitorRemoved)

	s.identity = id
	s.trust = store
	s.state = StateRunning

	s.logger.Info("listener started",
		"deviceId", id.DeviceID,
		"fingerprint", id.CertFingerprint,
		"trustedMonitors", store.Len())
	return nil
}

// Stop closes every channel and the trust database.
func (s *ListenerService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return ErrNotStarted
	}
	s.conns.CloseAll("listener stopped")

	var err error
	if s.trustRepo != nil {
		err = s.trustRepo.Close()
		s.trustRepo = nil
	}
	s.state = StateStopped
	return err
}

// OnEvent registers a handler for service events.
func (s *ListenerService) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// Identity returns the listener identity.
func (s *ListenerService) Identity() *identity.DeviceIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Monitors returns the trusted monitors.
func (s *ListenerService) Monitors() []trust.Peer {
	store, err := s.store()
	if err != nil {
		return nil
	}
	return store.Peers()
}

// PairWithPIN runs PIN pairing against the pairing server at addr, pinning
// expectedFingerprint. The comparison code is passed to onCode (optional)
// while the monitor operator decides.
func (s *ListenerService) PairWithPIN(ctx context.Context, addr, pin, expectedFingerprint string, onCode func(string)) (pairing.Result, error) {
	pin, err := pairing.ParsePIN(pin)
	if err != nil {
		return pairing.Result{}, err
	}
	return s.pair(ctx, []string{addr}, pin, expectedFingerprint, onCode)
}

// PairWithQR trusts the monitor described by a scanned QR payload. When the
// payload carries a pairing token, the token keys a pairing exchange so the
// monitor learns this listener too.
func (s *ListenerService) PairWithQR(ctx context.Context, data string) (pairing.Result, error) {
	payload, err := pairing.ParseQRPayload(data)
	if err != nil {
		return pairing.Result{}, err
	}
	store, err := s.store()
	if err != nil {
		return pairing.Result{}, err
	}

	fp := payload.CertFingerprint
	if len(payload.ControlAddrs()) > 0 {
		s.rememberAddress(fp, payload.ControlAddrs()[0])
	}

	if payload.PairingToken == "" {
		peer := payload.TrustedPeer()
		if err := store.AddPeer(peer); err != nil {
			return pairing.Result{}, err
		}
		s.emit(Event{Type: EventPaired, Fingerprint: fp, DeviceID: peer.RemoteDeviceID, Peer: &peer})
		return pairing.Result{Peer: peer}, nil
	}

	addrs := payload.PairingAddrs()
	if len(addrs) == 0 && s.config.Browser != nil {
		if rec, err := s.config.Browser.FindByFingerprint(ctx, fp); err == nil {
			addrs = rec.PairingAddrs()
		}
	}
	if len(addrs) == 0 {
		return pairing.Result{}, ErrNoAddress
	}
	return s.pair(ctx, addrs, payload.PairingToken, fp, nil)
}

func (s *ListenerService) pair(ctx context.Context, addrs []string, secret, expectedFingerprint string, onCode func(string)) (pairing.Result, error) {
	store, err := s.store()
	if err != nil {
		return pairing.Result{}, err
	}
	if len(addrs) == 0 {
		return pairing.Result{}, ErrNoAddress
	}
	id := s.Identity()

	var stream *control.WSStream
	var dialErr error
	for _, addr := range addrs {
		stream, dialErr = control.DialStream(ctx, control.DialConfig{
			Addr:                addr,
			Path:                control.PairingPath,
			Identity:            id,
			ExpectedFingerprint: expectedFingerprint,
			HandshakeTimeout:    s.config.HandshakeTimeout,
			IdleTimeout:         s.config.IdleTimeout,
		})
		if dialErr == nil {
			break
		}
		s.logger.Debug("pairing dial failed", "addr", addr, "error", dialErr)
	}
	if stream == nil {
		return pairing.Result{}, dialErr
	}

	mc := control.NewMessageConn(stream, 0, s.config.ProtocolLogger, uuid.NewString())
	defer mc.Close()

	listener, err := pairing.NewListener(pairing.ListenerConfig{
		Identity:         id,
		Name:             s.config.Name,
		Trust:            store,
		OnComparisonCode: onCode,
		Logger:           s.logger,
		ProtocolLogger:   s.config.ProtocolLogger,
	})
	if err != nil {
		return pairing.Result{}, err
	}
	result, err := listener.Pair(ctx, mc, secret, expectedFingerprint)
	if err != nil {
		return pairing.Result{}, err
	}

	peer := result.Peer
	s.logger.Info("monitor paired",
		"deviceId", peer.RemoteDeviceID,
		"name", peer.Name,
		"fingerprint", peer.CertFingerprint)
	s.emit(Event{Type: EventPaired, Fingerprint: peer.CertFingerprint, DeviceID: peer.RemoteDeviceID, Peer: &peer})
	return result, nil
}

// RememberAddress records the control address of a monitor for Connect and
// Client.
func (s *ListenerService) RememberAddress(monitorFingerprint, addr string) error {
	fp := identity.NormalizeFingerprint(monitorFingerprint)
	if s.links == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.memLinks == nil {
			s.memLinks = make(map[string]string)
		}
		s.memLinks[fp] = addr
		return nil
	}
	return s.links.UpdateMonitor(fp, func(l *persistence.MonitorLink) {
		l.LastAddress = addr
	})
}

func (s *ListenerService) rememberAddress(fp, addr string) {
	if err := s.RememberAddress(fp, addr); err != nil {
		s.logger.Warn("failed to save monitor address", "fingerprint", fp, "error", err)
	}
}

// Connect opens a control channel to a trusted monitor. The caller consumes
// the channel's events; there is no automatic reconnect.
func (s *ListenerService) Connect(ctx context.Context, monitorFingerprint string, opts control.Options) (*control.Channel, error) {
	fp := identity.NormalizeFingerprint(monitorFingerprint)
	addrs, err := s.resolve(ctx, fp)
	if err != nil {
		return nil, err
	}
	id := s.Identity()
	if opts.Role == 0 {
		opts.Role = log.RoleListener
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	if opts.ProtocolLogger == nil {
		opts.ProtocolLogger = s.config.ProtocolLogger
	}

	var lastErr error
	for _, addr := range addrs {
		ch, err := control.Dial(ctx, control.DialConfig{
			Addr:                addr,
			Identity:            id,
			ExpectedFingerprint: fp,
			HandshakeTimeout:    s.config.HandshakeTimeout,
			IdleTimeout:         s.config.IdleTimeout,
			Options:             opts,
		})
		if err != nil {
			lastErr = err
			s.logger.Debug("control dial failed", "addr", addr, "error", err)
			continue
		}
		s.track(fp, addr, ch)
		return ch, nil
	}
	return nil, lastErr
}

func (s *ListenerService) track(fp, addr string, ch *control.Channel) {
	connID := s.conns.Register(ch)
	if s.links != nil {
		if err := s.links.UpdateMonitor(fp, func(l *persistence.MonitorLink) {
			l.LastAddress = addr
			l.LastSeenAt = time.Now()
		}); err != nil {
			s.logger.Warn("failed to save monitor link", "fingerprint", fp, "error", err)
		}
	} else {
		s.rememberAddress(fp, addr)
	}
	s.emit(Event{Type: EventConnected, Fingerprint: fp})

	go func() {
		<-ch.Done()
		s.conns.Unregister(connID)
		s.emit(Event{Type: EventDisconnected, Fingerprint: fp, Failure: ch.Failure()})
	}()
}

// Client returns an HTTPS client pinned to a trusted monitor.
func (s *ListenerService) Client(ctx context.Context, monitorFingerprint string) (*api.Client, error) {
	fp := identity.NormalizeFingerprint(monitorFingerprint)
	addrs, err := s.resolve(ctx, fp)
	if err != nil {
		return nil, err
	}
	return api.NewClient(api.ClientConfig{
		Addr:                addrs[0],
		Identity:            s.Identity(),
		ExpectedFingerprint: fp,
		Timeout:             s.config.HandshakeTimeout,
	})
}

// SubscribeNoise registers for noise alerts with a monitor over HTTPS and
// remembers the subscription.
func (s *ListenerService) SubscribeNoise(ctx context.Context, monitorFingerprint string, req wire.NoiseSubscribe) (*api.SubscribeResponse, error) {
	client, err := s.Client(ctx, monitorFingerprint)
	if err != nil {
		return nil, err
	}
	defer client.CloseIdleConnections()

	resp, err := client.SubscribeNoise(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.links != nil {
		fp := identity.NormalizeFingerprint(monitorFingerprint)
		if err := s.links.UpdateMonitor(fp, func(l *persistence.MonitorLink) {
			l.SubscriptionID = resp.SubscriptionID
			l.SubscriptionExpiresAt = resp.ExpiresAt
		}); err != nil {
			s.logger.Warn("failed to save subscription", "fingerprint", fp, "error", err)
		}
	}
	return resp, nil
}

// Unpair asks the monitor to forget this listener, then forgets the monitor
// locally. The local removal happens even when the monitor is unreachable.
func (s *ListenerService) Unpair(ctx context.Context, monitorFingerprint string) error {
	store, err := s.store()
	if err != nil {
		return err
	}
	fp := identity.NormalizeFingerprint(monitorFingerprint)
	if !store.IsTrusted(fp) {
		return ErrNotPaired
	}

	var remoteErr error
	client, err := s.Client(ctx, fp)
	if err == nil {
		_, remoteErr = client.Unpair(ctx, s.Identity().DeviceID)
		client.CloseIdleConnections()
	} else {
		remoteErr = err
	}

	store.Remove(fp)
	if remoteErr != nil {
		return fmt.Errorf("monitor not notified: %w", remoteErr)
	}
	return nil
}

// resolve returns candidate control addresses of a trusted monitor.
func (s *ListenerService) resolve(ctx context.Context, fp string) ([]string, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	if !store.IsTrusted(fp) {
		return nil, ErrNotPaired
	}

	var addrs []string
	if addr := s.knownAddress(fp); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 && s.config.Browser != nil {
		rec, err := s.config.Browser.FindByFingerprint(ctx, fp)
		if err == nil {
			addrs = append(addrs, rec.ControlAddrs()...)
		} else {
			s.logger.Debug("monitor not found by discovery", "fingerprint", fp, "error", err)
		}
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddress
	}
	return addrs, nil
}

func (s *ListenerService) knownAddress(fp string) string {
	if s.links == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.memLinks[fp]
	}
	state, err := s.links.Load()
	if err != nil {
		s.logger.Warn("failed to load listener state", "error", err)
		return ""
	}
	if state == nil {
		return ""
	}
	return state.Monitors[fp].LastAddress
}

func (s *ListenerService) onMonitorRemoved(peer trust.Peer) {
	if s.links != nil {
		if err := s.links.RemoveMonitor(peer.CertFingerprint); err != nil {
			s.logger.Warn("failed to forget monitor", "fingerprint", peer.CertFingerprint, "error", err)
		}
	}
	s.emit(Event{
		Type:        EventUnpaired,
		Fingerprint: peer.CertFingerprint,
		DeviceID:    peer.RemoteDeviceID,
		Peer:        &peer,
	})
}

func (s *ListenerService) store() (*trust.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateRunning {
		return nil, ErrNotStarted
	}
	return s.trust, nil
}

func (s *ListenerService) emit(event Event) {
	s.mu.RLock()
	handlers := append([]EventHandler(nil), s.eventHandlers...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
