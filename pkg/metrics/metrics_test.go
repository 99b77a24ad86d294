package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.Frame(DirectionIn)
	m.Frame(DirectionIn)
	m.Frame(DirectionOut)
	m.PairingOutcome(OutcomeConfirmed)
	m.SetConnections(3)
	m.SetSubscriptions(2)
	m.Revocation()
	m.NoiseEvent()

	out := scrape(t, m)
	for _, want := range []string{
		`cribcall_frames_total{direction="in"} 2`,
		`cribcall_frames_total{direction="out"} 1`,
		`cribcall_pairing_sessions_total{outcome="confirmed"} 1`,
		`cribcall_connections_active 3`,
		`cribcall_noise_subscriptions_active 2`,
		`cribcall_revocations_total 1`,
		`cribcall_noise_events_total 1`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Frame(DirectionIn)
		m.PairingOutcome(OutcomeRejected)
		m.SetConnections(1)
		m.SetSubscriptions(1)
		m.Revocation()
		m.NoiseEvent()
	})
}

func TestNewRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Revocation()
	assert.Contains(t, scrape(t, a), "cribcall_revocations_total 1")
	assert.Contains(t, scrape(t, b), "cribcall_revocations_total 0")
}
