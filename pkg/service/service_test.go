package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cribcall/cribcall-go/pkg/control"
	"github.com/cribcall/cribcall-go/pkg/discovery"
	"github.com/cribcall/cribcall-go/pkg/noise"
	"github.com/cribcall/cribcall-go/pkg/pairing"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

type mockAdvertiser struct {
	mock.Mock
}

func (m *mockAdvertiser) Advertise(ctx context.Context, rec discovery.MonitorRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockAdvertiser) Update(rec discovery.MonitorRecord) error {
	return m.Called(rec).Error(0)
}

func (m *mockAdvertiser) Stop() error {
	return m.Called().Error(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, sub noise.Subscription, event wire.NoiseEvent) error {
	return m.Called(ctx, sub, event).Error(0)
}

// eventLog collects service events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(typ EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func approveAll() pairing.Confirmer {
	return pairing.ConfirmerFunc(func(context.Context, pairing.PendingPairing) (bool, error) {
		return true, nil
	})
}

func startMonitor(t *testing.T, mutate func(*MonitorConfig)) *MonitorService {
	t.Helper()
	config := DefaultMonitorConfig()
	config.Name = "Nursery"
	config.DeviceID = "monitor-1"
	config.ControlAddress = "127.0.0.1:0"
	config.PairingAddress = "127.0.0.1:0"
	config.Confirmer = approveAll()
	config.IdleTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&config)
	}

	svc, err := NewMonitorService(config)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func startListener(t *testing.T, mutate func(*ListenerConfig)) *ListenerService {
	t.Helper()
	config := DefaultListenerConfig()
	config.Name = "Parent phone"
	config.DeviceID = "listener-1"
	config.HandshakeTimeout = 3 * time.Second
	config.IdleTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&config)
	}

	svc, err := NewListenerService(config)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

// pairPIN pairs the listener with the monitor through a PIN session.
func pairPIN(t *testing.T, mon *MonitorService, lis *ListenerService) {
	t.Helper()
	session, err := mon.StartPINPairing()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var shown string
	res, err := lis.PairWithPIN(ctx, mon.PairingAddr().String(), session.PIN, mon.Identity().CertFingerprint,
		func(code string) { shown = code })
	require.NoError(t, err)
	assert.Len(t, shown, 6)
	assert.Equal(t, mon.Identity().CertFingerprint, res.Peer.CertFingerprint)
	require.NoError(t, lis.RememberAddress(mon.Identity().CertFingerprint, mon.ControlAddr().String()))
}

func nextMessage(t *testing.T, ch *control.Channel) wire.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				t.Fatal("events closed")
			}
			switch ev.Kind {
			case control.EventMessage:
				return ev.Message
			case control.EventFailed, control.EventClosed:
				t.Fatalf("channel ended: %v", ev.Failure)
			}
		case <-timeout:
			t.Fatal("timeout waiting for message")
		}
	}
}

func scrape(t *testing.T, mon *MonitorService) string {
	t.Helper()
	rec := httptest.NewRecorder()
	mon.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMonitorConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MonitorConfig)
		wantErr bool
	}{
		{"defaults", func(*MonitorConfig) {}, false},
		{"missing name", func(c *MonitorConfig) { c.Name = "" }, true},
		{"bad control address", func(c *MonitorConfig) { c.ControlAddress = "48080" }, true},
		{"negative threshold", func(c *MonitorConfig) { c.NoiseThreshold = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultMonitorConfig()
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMonitorLifecycle(t *testing.T) {
	adv := &mockAdvertiser{}
	adv.On("Advertise", mock.Anything, mock.MatchedBy(func(rec discovery.MonitorRecord) bool {
		return rec.MonitorName == "Nursery" && rec.ControlPort != 0 && rec.PairingPort != 0
	})).Return(nil).Once()
	adv.On("Stop").Return(nil).Once()

	config := DefaultMonitorConfig()
	config.Name = "Nursery"
	config.ControlAddress = "127.0.0.1:0"
	config.PairingAddress = "127.0.0.1:0"
	config.Advertiser = adv

	svc, err := NewMonitorService(config)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, svc.State())
	assert.ErrorIs(t, svc.Stop(), ErrNotStarted)

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateRunning, svc.State())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)

	order, err := svc.Registry().Order()
	require.NoError(t, err)
	names := make([]string, len(order))
	for i, c := range order {
		names[i] = c.Name()
	}
	assert.Equal(t, []string{NameIdentity, NameTrust, NameNoise, NamePairing, NameControlServer, NamePairingServer, NameAdvertiser}, names)
	assert.NotNil(t, MustLookup[*noise.Manager](svc.Registry(), NameNoise))

	require.NoError(t, svc.Stop())
	assert.Equal(t, StateStopped, svc.State())
	adv.AssertExpectations(t)
}

func TestMonitorAdvertiseFailureIsNotFatal(t *testing.T) {
	adv := &mockAdvertiser{}
	adv.On("Advertise", mock.Anything, mock.Anything).Return(errors.New("no multicast")).Once()

	svc := startMonitor(t, func(c *MonitorConfig) { c.Advertiser = adv })
	assert.Equal(t, StateRunning, svc.State())
	require.NoError(t, svc.Stop())
	// Stop is not called when nothing was advertised.
	adv.AssertNotCalled(t, "Stop")
}

func TestOperationsRequireRunning(t *testing.T) {
	svc, err := NewMonitorService(DefaultMonitorConfig())
	require.NoError(t, err)

	_, err = svc.StartPINPairing()
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = svc.QRPayload(true)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = svc.PublishNoise(context.Background(), wire.NoiseEvent{PeakLevel: 80})
	assert.ErrorIs(t, err, ErrNotStarted)

	lis, err := NewListenerService(DefaultListenerConfig())
	require.NoError(t, err)
	_, err = lis.Connect(context.Background(), "aa", control.Options{})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestPINPairingAndControlChannel(t *testing.T) {
	monEvents := &eventLog{}
	mon := startMonitor(t, nil)
	mon.OnEvent(monEvents.handle)
	lis := startListener(t, nil)

	pairPIN(t, mon, lis)

	require.Len(t, mon.Peers(), 1)
	assert.Equal(t, lis.Identity().CertFingerprint, mon.Peers()[0].CertFingerprint)
	require.Len(t, lis.Monitors(), 1)
	assert.True(t, monEvents.has(EventPaired))
	assert.True(t, monEvents.has(EventPairingSession))

	ch, err := lis.Connect(context.Background(), mon.Identity().CertFingerprint, control.Options{})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(context.Background(), &wire.Ping{Timestamp: 7}))
	pong, ok := nextMessage(t, ch).(*wire.Pong)
	require.True(t, ok)
	assert.Equal(t, int64(7), pong.Timestamp)
	waitFor(t, func() bool { return len(mon.Connections()) == 1 })
}

func TestConnectUnknownMonitor(t *testing.T) {
	lis := startListener(t, nil)
	_, err := lis.Connect(context.Background(), "00ff", control.Options{})
	assert.ErrorIs(t, err, ErrNotPaired)
}

func TestRevokeClosesChannel(t *testing.T) {
	mon := startMonitor(t, nil)
	lis := startListener(t, nil)
	lisEvents := &eventLog{}
	lis.OnEvent(lisEvents.handle)
	pairPIN(t, mon, lis)

	ch, err := lis.Connect(context.Background(), mon.Identity().CertFingerprint, control.Options{})
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.Send(context.Background(), &wire.Ping{Timestamp: 1}))
	nextMessage(t, ch)

	assert.True(t, mon.Revoke(lis.Identity().CertFingerprint))
	assert.False(t, mon.Revoke(lis.Identity().CertFingerprint))

	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after revoke")
	}
	for range ch.Events() {
	}
	require.NotNil(t, ch.Failure())
	assert.Equal(t, control.ClosedByPeer, ch.Failure().Kind)
	assert.Empty(t, mon.Peers())
	waitFor(t, func() bool { return lisEvents.has(EventDisconnected) })
	assert.Contains(t, scrape(t, mon), "cribcall_revocations_total 1")
}

func TestQRTokenPairing(t *testing.T) {
	mon := startMonitor(t, func(c *MonitorConfig) { c.Confirmer = nil })
	lis := startListener(t, nil)

	payload, err := mon.QRPayload(true)
	require.NoError(t, err)
	require.NotEmpty(t, payload.PairingToken)
	payload.IPs = []string{"127.0.0.1"}
	data, err := payload.Encode()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := lis.PairWithQR(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, mon.Identity().CertFingerprint, res.Peer.CertFingerprint)
	require.Len(t, mon.Peers(), 1)

	// The control address came from the payload.
	ch, err := lis.Connect(ctx, mon.Identity().CertFingerprint, control.Options{})
	require.NoError(t, err)
	ch.Close()
}

func TestQRWithoutTokenTrustsMonitorOnly(t *testing.T) {
	mon := startMonitor(t, nil)
	lis := startListener(t, nil)

	payload, err := mon.QRPayload(false)
	require.NoError(t, err)
	assert.Empty(t, payload.PairingToken)
	payload.IPs = []string{"127.0.0.1"}
	data, err := payload.Encode()
	require.NoError(t, err)

	_, err = lis.PairWithQR(context.Background(), data)
	require.NoError(t, err)
	assert.Len(t, lis.Monitors(), 1)
	assert.Empty(t, mon.Peers())
}

func TestSubscribeAndPublishNoise(t *testing.T) {
	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything, wire.NoiseEvent{TimestampMs: 1000, PeakLevel: 80}).Return(nil).Once()

	mon := startMonitor(t, func(c *MonitorConfig) {
		c.Notifier = notifier
		c.NoiseThreshold = 50
	})
	lis := startListener(t, nil)
	pairPIN(t, mon, lis)
	fp := mon.Identity().CertFingerprint

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := lis.SubscribeNoise(ctx, fp, wire.NoiseSubscribe{DeliveryToken: "device-token", Platform: "android"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SubscriptionID)
	assert.Equal(t, "listener-1", resp.DeviceID)
	require.Len(t, mon.Subscriptions(), 1)

	ch, err := lis.Connect(ctx, fp, control.Options{})
	require.NoError(t, err)
	defer ch.Close()
	waitFor(t, func() bool { return len(mon.Connections()) == 1 })

	res, err := mon.PublishNoise(ctx, wire.NoiseEvent{TimestampMs: 1000, PeakLevel: 80})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Broadcast)
	assert.Equal(t, 1, res.Notified)

	ev, ok := nextMessage(t, ch).(*wire.NoiseEvent)
	require.True(t, ok)
	assert.Equal(t, 80, ev.PeakLevel)

	// Below threshold: broadcast only.
	res, err = mon.PublishNoise(ctx, wire.NoiseEvent{TimestampMs: 2000, PeakLevel: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Broadcast)
	assert.Equal(t, 1, res.Skipped)
	notifier.AssertExpectations(t)
}

func TestListenerUnpair(t *testing.T) {
	mon := startMonitor(t, nil)
	lis := startListener(t, nil)
	pairPIN(t, mon, lis)
	fp := mon.Identity().CertFingerprint

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, lis.Unpair(ctx, fp))
	assert.Empty(t, lis.Monitors())
	waitFor(t, func() bool { return len(mon.Peers()) == 0 })
	assert.ErrorIs(t, lis.Unpair(ctx, fp), ErrNotPaired)
}

func TestRegenerateIdentity(t *testing.T) {
	mon := startMonitor(t, nil)
	monEvents := &eventLog{}
	mon.OnEvent(monEvents.handle)
	lis := startListener(t, nil)
	pairPIN(t, mon, lis)

	oldFP := mon.Identity().CertFingerprint
	ch, err := lis.Connect(context.Background(), oldFP, control.Options{})
	require.NoError(t, err)
	defer ch.Close()

	id, err := mon.RegenerateIdentity(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, oldFP, id.CertFingerprint)
	assert.Empty(t, mon.Peers())
	assert.True(t, monEvents.has(EventIdentityRegenerated))

	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after regeneration")
	}

	// The servers answer with the new certificate, so the old pin fails.
	require.NoError(t, lis.RememberAddress(oldFP, mon.ControlAddr().String()))
	_, err = lis.Connect(context.Background(), oldFP, control.Options{})
	require.Error(t, err)

	// A fresh pairing works against the new identity.
	lis2 := startListener(t, func(c *ListenerConfig) { c.DeviceID = "listener-2" })
	pairPIN(t, mon, lis2)
	assert.Len(t, mon.Peers(), 1)
}

func TestPersistentMonitorKeepsIdentityAndTrust(t *testing.T) {
	dir := t.TempDir()
	config := DefaultMonitorConfig()
	config.Name = "Nursery"
	config.DataDir = dir
	config.ControlAddress = "127.0.0.1:0"
	config.PairingAddress = "127.0.0.1:0"
	config.Confirmer = approveAll()

	mon, err := NewMonitorService(config)
	require.NoError(t, err)
	require.NoError(t, mon.Start(context.Background()))
	lis := startListener(t, func(c *ListenerConfig) { c.DataDir = t.TempDir() })
	pairPIN(t, mon, lis)
	fp := mon.Identity().CertFingerprint
	require.NoError(t, mon.Stop())

	again, err := NewMonitorService(config)
	require.NoError(t, err)
	require.NoError(t, again.Start(context.Background()))
	t.Cleanup(func() { _ = again.Stop() })

	assert.Equal(t, fp, again.Identity().CertFingerprint)
	require.Len(t, again.Peers(), 1)
	assert.Equal(t, lis.Identity().CertFingerprint, again.Peers()[0].CertFingerprint)
}
