package api_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cribcall/cribcall-go/pkg/api"
	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/metrics"
	"github.com/cribcall/cribcall-go/pkg/noise"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/trust"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

type fixture struct {
	monitor   *identity.DeviceIdentity
	listener  *identity.DeviceIdentity
	stranger  *identity.DeviceIdentity
	trust     *trust.Store
	conns     *transport.Registry
	noise     *noise.Manager
	metrics   *metrics.Metrics
	server    *transport.Server
	addr      string
	startedAt time.Time
}

func generateIdentity(t *testing.T, id string) *identity.DeviceIdentity {
	t.Helper()
	d, err := identity.Generate(id)
	require.NoError(t, err)
	return d
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		monitor:  generateIdentity(t, "monitor-1"),
		listener: generateIdentity(t, "listener-1"),
		stranger: generateIdentity(t, "stranger-1"),
		trust:    trust.NewStore(),
		conns:    transport.NewRegistry(),
		metrics:  metrics.New(),
	}
	var err error
	f.noise, err = noise.NewManager()
	require.NoError(t, err)

	_, err = f.trust.Add(f.listener.CertificateDER)
	require.NoError(t, err)
	f.trust.SetDisconnector(f.conns)

	f.startedAt = time.Now().Add(-90 * time.Second)
	router, err := api.NewRouter(api.Deps{
		Identity:    f.monitor,
		Trust:       f.trust,
		Connections: f.conns,
		Noise:       f.noise,
		Metrics:     f.metrics,
		StartedAt:   f.startedAt,
		IdleTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	f.server, err = transport.NewServer(transport.ServerConfig{
		Addr:                  "127.0.0.1:0",
		Identity:              f.monitor,
		AllowUntrustedClients: true,
		Handler:               router,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Start(ctx))
	t.Cleanup(func() { _ = f.server.Stop() })
	f.addr = f.server.Addr().String()
	return f
}

func (f *fixture) client(t *testing.T, id *identity.DeviceIdentity) *api.Client {
	t.Helper()
	c, err := api.NewClient(api.ClientConfig{
		Addr:                f.addr,
		Identity:            id,
		ExpectedFingerprint: f.monitor.CertFingerprint,
	})
	require.NoError(t, err)
	t.Cleanup(c.CloseIdleConnections)
	return c
}

// anonymous performs a request without a client certificate.
func (f *fixture) anonymous(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	hc := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
		}},
	}
	defer hc.CloseIdleConnections()

	req, err := http.NewRequest(method, "https://"+f.addr+path, rd)
	require.NoError(t, err)
	resp, err := hc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func intPtr(n int) *int { return &n }

func TestHealthDistinguishesTrust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, body := f.anonymous(t, http.MethodGet, api.PathHealth, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "monitor", body["role"])
	assert.Equal(t, false, body["mTLS"])
	assert.Equal(t, false, body["trusted"])
	assert.NotContains(t, body, "clientFingerprint")
	assert.Equal(t, f.monitor.CertFingerprint, body["fingerprint"])

	h, err := f.client(t, f.stranger).Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.MTLS)
	assert.False(t, h.Trusted)
	assert.Equal(t, f.stranger.CertFingerprint, h.ClientFingerprint)

	h, err = f.client(t, f.listener).Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.MTLS)
	assert.True(t, h.Trusted)
	assert.Equal(t, f.listener.CertFingerprint, h.ClientFingerprint)
	assert.GreaterOrEqual(t, h.UptimeSec, int64(90))
	assert.Equal(t, 0, h.ActiveConnections)
}

func TestMutatingEndpointsRequireTrust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, path := range []string{api.PathUnpair, api.PathSubscribe, api.PathUnsubscribe} {
		t.Run(path, func(t *testing.T) {
			resp, body := f.anonymous(t, http.MethodPost, path, map[string]any{"deliveryToken": "tok"})
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, api.ErrCodeClientCertRequired, body["error"])
		})
	}

	_, err := f.client(t, f.stranger).Unpair(ctx, "")
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Status)
	assert.Equal(t, api.ErrCodeCertNotTrusted, se.Code)
	assert.Equal(t, f.stranger.CertFingerprint, se.Fingerprint)

	_, err = f.client(t, f.stranger).SubscribeNoise(ctx, wire.NoiseSubscribe{DeliveryToken: "tok"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Status)
	assert.Equal(t, 0, f.noise.Len())
}

func TestSubscribeCollapsesPerDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, f.listener)

	first, err := c.SubscribeNoise(ctx, wire.NoiseSubscribe{DeliveryToken: "tok-a", Platform: "android"})
	require.NoError(t, err)
	assert.Equal(t, "listener-1", first.DeviceID)
	assert.Equal(t, noise.SubscriptionID("listener-1", "tok-a"), first.SubscriptionID)
	assert.Equal(t, noise.DefaultLeaseSeconds, first.AcceptedLeaseSeconds)

	second, err := c.SubscribeNoise(ctx, wire.NoiseSubscribe{DeliveryToken: "tok-b", LeaseSeconds: intPtr(30 * 24 * 3600)})
	require.NoError(t, err)
	assert.Equal(t, noise.MaxLeaseSeconds, second.AcceptedLeaseSeconds)
	assert.NotEqual(t, first.SubscriptionID, second.SubscriptionID)

	require.Equal(t, 1, f.noise.Len())
	sub, ok := f.noise.Get("listener-1")
	require.True(t, ok)
	assert.Equal(t, "tok-b", sub.DeliveryToken)

	peer, ok := f.trust.Get(f.listener.CertFingerprint)
	require.True(t, ok)
	assert.Equal(t, "tok-b", peer.DeliveryToken)
}

func TestSubscribeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, f.listener)

	_, err := c.SubscribeNoise(ctx, wire.NoiseSubscribe{Platform: "ios"})
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, api.ErrCodeMissingToken, se.Code)

	_, err = c.UnsubscribeNoise(ctx, wire.NoiseUnsubscribe{})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, api.ErrCodeMissingIdentifier, se.Code)
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, f.listener)

	sub, err := c.SubscribeNoise(ctx, wire.NoiseSubscribe{DeliveryToken: "tok"})
	require.NoError(t, err)

	res, err := c.UnsubscribeNoise(ctx, wire.NoiseUnsubscribe{DeliveryToken: "other"})
	require.NoError(t, err)
	assert.False(t, res.Unsubscribed)

	res, err = c.UnsubscribeNoise(ctx, wire.NoiseUnsubscribe{SubscriptionID: sub.SubscriptionID})
	require.NoError(t, err)
	assert.True(t, res.Unsubscribed)
	assert.Equal(t, "listener-1", res.DeviceID)
	assert.Equal(t, 0, f.noise.Len())
}

func TestFCMTokenAlias(t *testing.T) {
	f := newFixture(t)

	var req wire.NoiseSubscribe
	require.NoError(t, json.Unmarshal([]byte(`{"fcmToken":"legacy"}`), &req))
	res, err := f.client(t, f.listener).SubscribeNoise(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, noise.SubscriptionID("listener-1", "legacy"), res.SubscriptionID)
}

func TestUnpairRemovesCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, f.listener)

	_, err := c.SubscribeNoise(ctx, wire.NoiseSubscribe{DeliveryToken: "tok"})
	require.NoError(t, err)

	res, err := c.Unpair(ctx, "listener-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.True(t, res.Unpaired)

	assert.False(t, f.trust.IsTrusted(f.listener.CertFingerprint))
	assert.Equal(t, 0, f.noise.Len())

	_, err = c.Unpair(ctx, "")
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.metrics.Revocation()

	hc := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	defer hc.CloseIdleConnections()
	resp, err := hc.Get("https://" + f.addr + api.PathMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(buf.String(), "cribcall_revocations_total 1"))
}

func TestClientPinsMonitor(t *testing.T) {
	f := newFixture(t)
	other := generateIdentity(t, "impostor")

	c, err := api.NewClient(api.ClientConfig{
		Addr:                f.addr,
		Identity:            f.listener,
		ExpectedFingerprint: other.CertFingerprint,
	})
	require.NoError(t, err)
	defer c.CloseIdleConnections()

	_, err = c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsFingerprintMismatch(err))
}

func TestNewRouterRequiresDeps(t *testing.T) {
	_, err := api.NewRouter(api.Deps{})
	assert.Error(t, err)
	_, err = api.NewRouter(api.Deps{Identity: generateIdentity(t, "m")})
	assert.Error(t, err)
}
