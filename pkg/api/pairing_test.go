package api_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cribcall/cribcall-go/pkg/api"
	"github.com/cribcall/cribcall-go/pkg/control"
	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/metrics"
	"github.com/cribcall/cribcall-go/pkg/pairing"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/trust"
)

type pairingFixture struct {
	monitor  *identity.DeviceIdentity
	listener *identity.DeviceIdentity
	sessions *pairing.Manager
	trust    *trust.Store
	metrics  *metrics.Metrics
	paired   chan pairing.Result
	addr     string
}

func newPairingFixture(t *testing.T, rate int) *pairingFixture {
	t.Helper()
	f := &pairingFixture{
		monitor:  generateIdentity(t, "monitor-1"),
		listener: generateIdentity(t, "listener-1"),
		trust:    trust.NewStore(),
		metrics:  metrics.New(),
		paired:   make(chan pairing.Result, 1),
	}
	var err error
	f.sessions, err = pairing.NewManager(pairing.ManagerConfig{})
	require.NoError(t, err)
	t.Cleanup(f.sessions.Close)

	monitor, err := pairing.NewMonitor(pairing.MonitorConfig{
		Identity: f.monitor,
		Name:     "Nursery",
		Sessions: f.sessions,
		Trust:    f.trust,
		Confirmer: pairing.ConfirmerFunc(func(context.Context, pairing.PendingPairing) (bool, error) {
			return true, nil
		}),
	})
	require.NoError(t, err)

	router, err := api.NewPairingRouter(api.PairingDeps{
		Identity:   f.monitor,
		Monitor:    monitor,
		RateLimit:  rate,
		RateWindow: time.Minute,
		Metrics:    f.metrics,
		OnPaired:   func(r pairing.Result) { f.paired <- r },
	})
	require.NoError(t, err)

	server, err := transport.NewServer(transport.ServerConfig{
		Addr:                  "127.0.0.1:0",
		Identity:              f.monitor,
		AllowUntrustedClients: true,
		Handler:               router,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() { _ = server.Stop() })
	f.addr = server.Addr().String()
	return f
}

func (f *pairingFixture) dial(ctx context.Context) (*control.WSStream, error) {
	return control.DialStream(ctx, control.DialConfig{
		Addr:                f.addr,
		Path:                api.PathPairing,
		Identity:            f.listener,
		ExpectedFingerprint: f.monitor.CertFingerprint,
	})
}

func (f *pairingFixture) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPairingOverWebSocket(t *testing.T) {
	f := newPairingFixture(t, 0)
	_, err := f.sessions.StartWithSecret("123456", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := f.dial(ctx)
	require.NoError(t, err)
	mc := control.NewMessageConn(stream, 0, nil, "test")
	defer mc.Close()

	listenerTrust := trust.NewStore()
	var shown string
	listener, err := pairing.NewListener(pairing.ListenerConfig{
		Identity:         f.listener,
		Name:             "Kitchen phone",
		Trust:            listenerTrust,
		OnComparisonCode: func(code string) { shown = code },
	})
	require.NoError(t, err)

	res, err := listener.Pair(ctx, mc, "123456", f.monitor.CertFingerprint)
	require.NoError(t, err)
	assert.Equal(t, res.ComparisonCode, shown)
	assert.True(t, listenerTrust.IsTrusted(f.monitor.CertFingerprint))

	select {
	case got := <-f.paired:
		assert.Equal(t, res.ComparisonCode, got.ComparisonCode)
		assert.Equal(t, "listener-1", got.Peer.RemoteDeviceID)
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not report pairing")
	}
	assert.True(t, f.trust.IsTrusted(f.listener.CertFingerprint))
	assert.Contains(t, f.scrape(t), `cribcall_pairing_sessions_total{outcome="confirmed"} 1`)
}

func TestPairingWithoutSession(t *testing.T) {
	f := newPairingFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := f.dial(ctx)
	require.NoError(t, err)
	mc := control.NewMessageConn(stream, 0, nil, "test")
	defer mc.Close()

	listener, err := pairing.NewListener(pairing.ListenerConfig{
		Identity: f.listener,
		Name:     "Kitchen phone",
		Trust:    trust.NewStore(),
	})
	require.NoError(t, err)

	_, err = listener.Pair(ctx, mc, "123456", f.monitor.CertFingerprint)
	require.Error(t, err)
	assert.False(t, f.trust.IsTrusted(f.listener.CertFingerprint))

	waitFor(t, func() bool {
		return strings.Contains(f.scrape(t), `cribcall_pairing_sessions_total{outcome="failed"} 1`)
	})
}

func TestPairingRateLimited(t *testing.T) {
	f := newPairingFixture(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	first, err := f.dial(ctx)
	require.NoError(t, err)
	defer first.Close()

	_, err = f.dial(ctx)
	require.Error(t, err)
	assert.Equal(t, control.HandshakeFailed, control.KindOf(err))
	var se *control.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestPairingRouterRequiresDeps(t *testing.T) {
	_, err := api.NewPairingRouter(api.PairingDeps{})
	assert.Error(t, err)
}
