package trust_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/trust"
)

type mockDisconnector struct {
	mock.Mock
}

func (m *mockDisconnector) DisconnectByFingerprint(fp string) int {
	args := m.Called(fp)
	return args.Int(0)
}

func newIdentity(t *testing.T, id string) *identity.DeviceIdentity {
	t.Helper()
	d, err := identity.Generate(id)
	require.NoError(t, err)
	return d
}

func TestStoreAddFromCertificate(t *testing.T) {
	s := trust.NewStore()
	listener := newIdentity(t, "listener-1")

	p, err := s.Add(listener.CertificateDER)
	require.NoError(t, err)
	assert.Equal(t, "listener-1", p.RemoteDeviceID)
	assert.Equal(t, listener.CertFingerprint, p.CertFingerprint)
	assert.NotZero(t, p.AddedAtEpochSec)

	assert.True(t, s.IsTrusted(listener.CertFingerprint))
	assert.Equal(t, []string{listener.CertFingerprint}, s.All())
}

func TestStoreAddPeerValidation(t *testing.T) {
	listener := newIdentity(t, "listener-1")
	other := newIdentity(t, "other")

	tests := []struct {
		name string
		peer trust.Peer
	}{
		{"missing device id", trust.Peer{CertFingerprint: listener.CertFingerprint}},
		{"bad fingerprint", trust.Peer{RemoteDeviceID: "x", CertFingerprint: "abc"}},
		{"fingerprint does not match der", trust.Peer{
			RemoteDeviceID:  "listener-1",
			CertFingerprint: listener.CertFingerprint,
			CertificateDER:  other.CertificateDER,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := trust.NewStore()
			err := s.AddPeer(tt.peer)
			assert.ErrorIs(t, err, trust.ErrInvalidPeer)
			assert.Zero(t, s.Len())
		})
	}
}

func TestStoreRemoveDisconnects(t *testing.T) {
	s := trust.NewStore()
	listener := newIdentity(t, "listener-1")
	_, err := s.Add(listener.CertificateDER)
	require.NoError(t, err)

	d := &mockDisconnector{}
	d.On("DisconnectByFingerprint", listener.CertFingerprint).Return(2).Once()
	s.SetDisconnector(d)

	var removed []trust.Peer
	s.OnRemove(func(p trust.Peer) { removed = append(removed, p) })

	assert.True(t, s.Remove(listener.CertFingerprint))
	assert.False(t, s.IsTrusted(listener.CertFingerprint))
	d.AssertExpectations(t)
	require.Len(t, removed, 1)
	assert.Equal(t, "listener-1", removed[0].RemoteDeviceID)

	// Second removal is a no-op and does not disconnect again.
	assert.False(t, s.Remove(listener.CertFingerprint))
	d.AssertNumberOfCalls(t, "DisconnectByFingerprint", 1)
}

func TestStoreUpdate(t *testing.T) {
	s := trust.NewStore()
	listener := newIdentity(t, "listener-1")
	_, err := s.Add(listener.CertificateDER)
	require.NoError(t, err)

	require.NoError(t, s.Update(listener.CertFingerprint, func(p *trust.Peer) {
		p.DeliveryToken = "token-1"
	}))
	p, ok := s.Get(listener.CertFingerprint)
	require.True(t, ok)
	assert.Equal(t, "token-1", p.DeliveryToken)

	err = s.Update(listener.CertFingerprint, func(p *trust.Peer) { p.CertFingerprint = "00" })
	assert.ErrorIs(t, err, trust.ErrInvalidPeer)

	err = s.Update(newIdentity(t, "x").CertFingerprint, func(*trust.Peer) {})
	assert.ErrorIs(t, err, trust.ErrPeerNotFound)
}

func TestStoreFingerprintNormalization(t *testing.T) {
	s := trust.NewStore()
	listener := newIdentity(t, "listener-1")
	_, err := s.Add(listener.CertificateDER)
	require.NoError(t, err)

	upper := ""
	for _, r := range listener.CertFingerprint {
		if r >= 'a' && r <= 'f' {
			r -= 'a' - 'A'
		}
		upper += string(r)
	}
	assert.True(t, s.IsTrusted(upper))
}

func TestStoreClear(t *testing.T) {
	s := trust.NewStore()
	a := newIdentity(t, "a")
	b := newIdentity(t, "b")
	_, err := s.Add(a.CertificateDER)
	require.NoError(t, err)
	_, err = s.Add(b.CertificateDER)
	require.NoError(t, err)

	d := &mockDisconnector{}
	d.On("DisconnectByFingerprint", mock.Anything).Return(0)
	s.SetDisconnector(d)

	require.NoError(t, s.Clear())
	assert.Zero(t, s.Len())
	d.AssertNumberOfCalls(t, "DisconnectByFingerprint", 2)
}
