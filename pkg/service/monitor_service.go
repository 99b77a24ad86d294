package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/cribcall/cribcall-go/pkg/api"
	"github.com/cribcall/cribcall-go/pkg/discovery"
	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/metrics"
	"github.com/cribcall/cribcall-go/pkg/noise"
	"github.com/cribcall/cribcall-go/pkg/pairing"
	"github.com/cribcall/cribcall-go/pkg/persistence"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/trust"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// Component and value names in a MonitorService registry.
const (
	NameIdentity      = "identity"
	NameTrust         = "trust"
	NameConnections   = "connections"
	NameMetrics       = "metrics"
	NameNoise         = "noise"
	NamePairing       = "pairing"
	NameControlServer = "control-server"
	NamePairingServer = "pairing-server"
	NameMetricsServer = "metrics-server"
	NameAdvertiser    = "advertiser"
)

// ReasonIdentityRegenerated closes channels when the monitor identity changes.
const ReasonIdentityRegenerated = "identity regenerated"

// MonitorService orchestrates a monitor: identity, trust, the control and
// pairing servers, noise subscriptions and discovery.
type MonitorService struct {
	mu sync.RWMutex

	config MonitorConfig
	state  ServiceState
	reg    *Registry

	idStore  identity.Store
	identity *identity.DeviceIdentity

	trust       *trust.Store
	trustRepo   *trust.SQLiteRepository
	conns       *transport.Registry
	metrics     *metrics.Metrics
	noise       *noise.Manager
	dispatcher  *noise.Dispatcher
	sessions    *pairing.Manager
	controlSrv  *transport.Server
	pairingSrv  *transport.Server
	metricsSrv  *http.Server
	startedAt   time.Time
	advertising bool

	// endpoints depend on the identity and restart when it is regenerated.
	endpoints []Component

	eventHandlers []EventHandler

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMonitorService creates a monitor service. Nothing is opened until Start.
func NewMonitorService(config MonitorConfig) (*MonitorService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = time.Minute
	}

	s := &MonitorService{
		config:  config,
		state:   StateIdle,
		reg:     NewRegistry(),
		idStore: identityStore(config.DataDir),
		conns:   transport.NewRegistry(),
		metrics: metrics.New(),
		logger:  config.Logger,
	}
	s.conns.OnChange = s.metrics.SetConnections
	Provide(s.reg, NameConnections, s.conns)
	Provide(s.reg, NameMetrics, s.metrics)

	s.endpoints = []Component{
		&lifecycle{name: NameControlServer, deps: []string{NameTrust, NameNoise}, start: s.startControl, stop: s.stopControl},
		&lifecycle{name: NamePairingServer, deps: []string{NamePairing}, start: s.startPairing, stop: s.stopPairing},
	}
	if config.Advertiser != nil {
		s.endpoints = append(s.endpoints, &lifecycle{
			name:  NameAdvertiser,
			deps:  []string{NameControlServer, NamePairingServer},
			start: s.startAdvertising,
			stop:  s.stopAdvertising,
		})
	}

	components := []Component{
		&lifecycle{name: NameIdentity, start: s.startIdentity},
		&lifecycle{name: NameTrust, deps: []string{NameIdentity}, start: s.startTrust, stop: s.stopTrust},
		&lifecycle{name: NameNoise, deps: []string{NameTrust}, start: s.startNoise},
		&lifecycle{name: NamePairing, deps: []string{NameIdentity, NameTrust}, start: s.startSessions, stop: s.stopSessions},
	}
	if config.MetricsAddress != "" {
		components = append(components, &lifecycle{name: NameMetricsServer, start: s.startMetrics, stop: s.stopMetrics})
	}
	for _, c := range append(components, s.endpoints...) {
		if err := s.reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start opens every component in dependency order.
func (s *MonitorService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.reg.StartAll(ctx); err != nil {
		s.cancel()
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return err
	}

	go s.pruneLoop(s.ctx)

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("monitor started",
		"deviceId", s.identity.DeviceID,
		"fingerprint", s.identity.CertFingerprint,
		"control", s.controlSrv.Addr().String(),
		"pairing", s.pairingSrv.Addr().String(),
		"trustedPeers", s.trust.Len())
	return nil
}

// Stop closes every component in reverse order.
func (s *MonitorService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopping
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	err := s.reg.StopAll()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("monitor stopped")
	return err
}

// State returns the service state.
func (s *MonitorService) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Registry returns the component registry. Values are provided under the
// Name constants once the service has started.
func (s *MonitorService) Registry() *Registry {
	return s.reg
}

// OnEvent registers a handler for service events.
func (s *MonitorService) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// Identity returns the current device identity.
func (s *MonitorService) Identity() *identity.DeviceIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Metrics returns the service's collectors.
func (s *MonitorService) Metrics() *metrics.Metrics {
	return s.metrics
}

// ControlAddr returns the bound control server address.
func (s *MonitorService) ControlAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.controlSrv == nil {
		return nil
	}
	return s.controlSrv.Addr()
}

// PairingAddr returns the bound pairing server address.
func (s *MonitorService) PairingAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pairingSrv == nil {
		return nil
	}
	return s.pairingSrv.Addr()
}

// Peers returns the trusted listeners.
func (s *MonitorService) Peers() []trust.Peer {
	if s.trust == nil {
		return nil
	}
	return s.trust.Peers()
}

// Connections returns the open control channels.
func (s *MonitorService) Connections() []transport.ConnInfo {
	return s.conns.Snapshot()
}

// Subscriptions returns the noise subscriptions with a live lease.
func (s *MonitorService) Subscriptions() []noise.Subscription {
	if s.noise == nil {
		return nil
	}
	return s.noise.Active(time.Now())
}

// StartPINPairing opens a PIN session, replacing any active one.
func (s *MonitorService) StartPINPairing() (*pairing.Session, error) {
	if s.State() != StateRunning {
		return nil, ErrNotStarted
	}
	session, err := s.sessions.Start()
	if err != nil {
		return nil, err
	}
	s.logger.Info("pin pairing started", "sessionId", session.ID, "expiresAt", session.ExpiresAt)
	return session, nil
}

// CancelPairing ends the active PIN session.
func (s *MonitorService) CancelPairing() {
	if s.sessions != nil {
		s.sessions.Cancel()
	}
}

// QRPayload builds the payload to render as a QR code. With withToken, a
// session keyed by a fresh token is opened so the scanning listener can
// pair without operator confirmation.
func (s *MonitorService) QRPayload(withToken bool) (pairing.QRPayload, error) {
	if s.State() != StateRunning {
		return pairing.QRPayload{}, ErrNotStarted
	}
	s.mu.RLock()
	id := s.identity
	service := pairing.QRService{
		ControlPort: addrPort(s.controlSrv.Addr()),
		PairingPort: addrPort(s.pairingSrv.Addr()),
	}
	s.mu.RUnlock()

	payload := pairing.NewQRPayload(id, s.config.Name, service, localIPs())
	if !withToken {
		return payload, nil
	}
	token, err := pairing.GenerateToken()
	if err != nil {
		return pairing.QRPayload{}, err
	}
	if _, err := s.sessions.StartWithSecret(token, true); err != nil {
		return pairing.QRPayload{}, err
	}
	payload.PairingToken = token
	return payload, nil
}

// Revoke removes a trusted peer, closing its channels and dropping its
// subscriptions. It reports whether the peer was trusted.
func (s *MonitorService) Revoke(fingerprint string) bool {
	if s.trust == nil {
		return false
	}
	return s.trust.Remove(fingerprint)
}

// PublishNoise fans a noise event out to connected listeners and push
// subscribers.
func (s *MonitorService) PublishNoise(ctx context.Context, event wire.NoiseEvent) (noise.PublishResult, error) {
	if s.State() != StateRunning {
		return noise.PublishResult{}, ErrNotStarted
	}
	if event.TimestampMs == 0 {
		event.TimestampMs = time.Now().UnixMilli()
	}
	s.metrics.NoiseEvent()
	return s.dispatcher.Publish(ctx, event), nil
}

// RegenerateIdentity replaces the monitor identity. Every trust relationship
// and subscription is dropped and the servers restart with the new
// certificate.
func (s *MonitorService) RegenerateIdentity(ctx context.Context) (*identity.DeviceIdentity, error) {
	if s.State() != StateRunning {
		return nil, ErrNotStarted
	}

	s.conns.CloseAll(ReasonIdentityRegenerated)
	if err := stopReverse(s.endpoints); err != nil {
		s.logger.Warn("endpoint stop failed during regeneration", "error", err)
	}

	id, err := identity.Regenerate(s.idStore, s.config.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("regenerate identity: %w", err)
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	Provide(s.reg, NameIdentity, id)

	s.sessions.Cancel()
	if err := s.trust.Clear(); err != nil {
		return nil, fmt.Errorf("clear trust store: %w", err)
	}
	s.noise.Clear()

	for _, c := range s.endpoints {
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("restart %s: %w", c.Name(), err)
		}
	}

	s.logger.Warn("identity regenerated",
		"deviceId", id.DeviceID,
		"fingerprint", id.CertFingerprint)
	s.emit(Event{Type: EventIdentityRegenerated, DeviceID: id.DeviceID, Fingerprint: id.CertFingerprint})
	return id, nil
}

func (s *MonitorService) startIdentity(context.Context) error {
	id, created, err := identity.LoadOrCreate(s.idStore, s.config.DeviceID)
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("generated device identity", "deviceId", id.DeviceID)
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	Provide(s.reg, NameIdentity, id)
	return nil
}

func (s *MonitorService) startTrust(context.Context) error {
	store := trust.NewStore()
	if s.config.DataDir != "" {
		repo, err := trust.OpenSQLite(s.config.DataDir)
		if err != nil {
			return err
		}
		store, err = trust.Open(repo)
		if err != nil {
			_ = repo.Close()
			return err
		}
		s.trustRepo = repo
	}
	store.SetLogger(s.logger)
	store.SetDisconnector(s.conns)
	store.OnRemove(s.onPeerRemoved)

	s.trust = store
	Provide(s.reg, NameTrust, store)
	return nil
}

func (s *MonitorService) stopTrust() error {
	if s.trustRepo == nil {
		return nil
	}
	err := s.trustRepo.Close()
	s.trustRepo = nil
	return err
}

func (s *MonitorService) startNoise(context.Context) error {
	opts := []noise.ManagerOption{
		noise.WithLogger(s.logger),
		noise.WithOnChange(s.metrics.SetSubscriptions),
	}
	if s.config.DataDir != "" {
		state := persistence.NewMonitorStateStore(filepath.Join(s.config.DataDir, persistence.MonitorStateFile))
		opts = append(opts, noise.WithPersister(state))
	}
	mgr, err := noise.NewManager(opts...)
	if err != nil {
		return err
	}
	s.noise = mgr
	s.dispatcher = noise.NewDispatcher(noise.DispatcherConfig{
		Manager:          mgr,
		Broadcaster:      &connBroadcaster{conns: s.conns, logger: s.logger},
		Notifier:         s.config.Notifier,
		DefaultThreshold: s.config.NoiseThreshold,
		DefaultCooldown:  s.config.NoiseCooldown,
		Logger:           s.logger,
	})
	Provide(s.reg, NameNoise, mgr)
	return nil
}

func (s *MonitorService) startSessions(context.Context) error {
	sessions, err := pairing.NewManager(pairing.ManagerConfig{
		TTL:            s.config.SessionTTL,
		MaxAttempts:    s.config.MaxAttempts,
		Logger:         s.logger,
		ProtocolLogger: s.config.ProtocolLogger,
	})
	if err != nil {
		return err
	}
	sessions.OnStateChange(func(session pairing.Session, old, next pairing.SessionState) {
		s.emit(Event{Type: EventPairingSession, Session: &session})
	})
	s.sessions = sessions
	Provide(s.reg, NamePairing, sessions)
	return nil
}

func (s *MonitorService) stopSessions() error {
	if s.sessions != nil {
		s.sessions.Close()
	}
	return nil
}

func (s *MonitorService) startControl(ctx context.Context) error {
	id := MustLookup[*identity.DeviceIdentity](s.reg, NameIdentity)
	router, err := api.NewRouter(api.Deps{
		Identity:       id,
		Trust:          s.trust,
		Connections:    s.conns,
		Noise:          s.noise,
		Metrics:        s.metrics,
		StartedAt:      s.startedAt,
		IdleTimeout:    s.config.IdleTimeout,
		Logger:         s.logger,
		ProtocolLogger: s.config.ProtocolLogger,
	})
	if err != nil {
		return err
	}
	srv, err := transport.NewServer(transport.ServerConfig{
		Addr:     s.config.ControlAddress,
		Identity: id,
		Trust:    s.trust,
		// Handlers check trust per request so /health can report it.
		AllowUntrustedClients: true,
		Handler:               router,
		Logger:                s.logger,
		ProtocolLogger:        s.config.ProtocolLogger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.controlSrv = srv
	s.mu.Unlock()
	return nil
}

func (s *MonitorService) stopControl() error {
	s.mu.RLock()
	srv := s.controlSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Stop()
}

func (s *MonitorService) startPairing(ctx context.Context) error {
	id := MustLookup[*identity.DeviceIdentity](s.reg, NameIdentity)
	monitor, err := pairing.NewMonitor(pairing.MonitorConfig{
		Identity:       id,
		Name:           s.config.Name,
		Sessions:       s.sessions,
		Trust:          s.trust,
		Confirmer:      s.config.Confirmer,
		Logger:         s.logger,
		ProtocolLogger: s.config.ProtocolLogger,
	})
	if err != nil {
		return err
	}
	router, err := api.NewPairingRouter(api.PairingDeps{
		Identity:       id,
		Monitor:        monitor,
		RateLimit:      s.config.PairingRate,
		RateWindow:     s.config.PairingRateWindow,
		IdleTimeout:    s.config.IdleTimeout,
		Metrics:        s.metrics,
		Logger:         s.logger,
		ProtocolLogger: s.config.ProtocolLogger,
		OnPaired:       s.onPaired,
	})
	if err != nil {
		return err
	}
	srv, err := transport.NewServer(transport.ServerConfig{
		Addr:                  s.config.PairingAddress,
		Identity:              id,
		AllowUntrustedClients: true,
		Handler:               router,
		Logger:                s.logger,
		ProtocolLogger:        s.config.ProtocolLogger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.pairingSrv = srv
	s.mu.Unlock()
	return nil
}

func (s *MonitorService) stopPairing() error {
	s.mu.RLock()
	srv := s.pairingSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Stop()
}

func (s *MonitorService) startMetrics(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.MetricsAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.MetricsAddress, err)
	}
	mux := http.NewServeMux()
	mux.Handle(api.PathMetrics, s.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: transport.DefaultReadHeaderTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()
	s.metricsSrv = srv
	s.logger.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

func (s *MonitorService) stopMetrics() error {
	if s.metricsSrv == nil {
		return nil
	}
	return s.metricsSrv.Close()
}

func (s *MonitorService) startAdvertising(ctx context.Context) error {
	rec := s.monitorRecord()
	if err := s.config.Advertiser.Advertise(ctx, rec); err != nil {
		// Advertising is best effort.
		s.logger.Warn("mdns advertisement failed", "error", err)
		return nil
	}
	s.mu.Lock()
	s.advertising = true
	s.mu.Unlock()
	return nil
}

func (s *MonitorService) stopAdvertising() error {
	s.mu.Lock()
	was := s.advertising
	s.advertising = false
	s.mu.Unlock()
	if !was {
		return nil
	}
	return s.config.Advertiser.Stop()
}

func (s *MonitorService) monitorRecord() discovery.MonitorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return discovery.MonitorRecord{
		DeviceID:        s.identity.DeviceID,
		MonitorName:     s.config.Name,
		CertFingerprint: s.identity.CertFingerprint,
		ControlPort:     addrPort(s.controlSrv.Addr()),
		PairingPort:     addrPort(s.pairingSrv.Addr()),
		Version:         pairing.ProtocolVersion,
	}
}

func (s *MonitorService) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.noise.Prune(now); n > 0 {
				s.logger.Debug("pruned expired subscriptions", "count", n)
			}
		}
	}
}

func (s *MonitorService) onPaired(result pairing.Result) {
	peer := result.Peer
	s.logger.Info("listener paired",
		"deviceId", peer.RemoteDeviceID,
		"name", peer.Name,
		"fingerprint", peer.CertFingerprint)
	s.emit(Event{
		Type:        EventPaired,
		Fingerprint: peer.CertFingerprint,
		DeviceID:    peer.RemoteDeviceID,
		Peer:        &peer,
	})
}

func (s *MonitorService) onPeerRemoved(peer trust.Peer) {
	if s.noise != nil {
		s.noise.RemoveFingerprint(peer.CertFingerprint)
	}
	s.metrics.Revocation()
	s.logger.Info("listener unpaired",
		"deviceId", peer.RemoteDeviceID,
		"fingerprint", peer.CertFingerprint)
	s.emit(Event{
		Type:        EventUnpaired,
		Fingerprint: peer.CertFingerprint,
		DeviceID:    peer.RemoteDeviceID,
		Peer:        &peer,
	})
}

func (s *MonitorService) emit(event Event) {
	s.mu.RLock()
	handlers := append([]EventHandler(nil), s.eventHandlers...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

func addrPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// localIPs lists the non-loopback unicast addresses of the host.
func localIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		ips = append(ips, ipnet.IP.String())
	}
	return ips
}
