package noise_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cribcall/cribcall-go/pkg/noise"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, sub noise.Subscription, ev wire.NoiseEvent) error {
	return m.Called(sub.DeviceID, ev.PeakLevel).Error(0)
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, msg wire.Message) int {
	return m.Called(msg).Int(0)
}

func TestDispatcherThresholdAndCooldown(t *testing.T) {
	clock := newClock()
	m, err := noise.NewManager(noise.WithClock(clock.Now))
	require.NoError(t, err)

	_, _, err = m.Subscribe(noise.SubscribeRequest{DeviceID: "loud-only", DeliveryToken: "a", Threshold: intPtr(80)})
	require.NoError(t, err)
	_, _, err = m.Subscribe(noise.SubscribeRequest{DeviceID: "everything", DeliveryToken: "b", CooldownSeconds: intPtr(30)})
	require.NoError(t, err)

	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)
	bc := &mockBroadcaster{}
	bc.On("Broadcast", mock.MatchedBy(func(msg wire.Message) bool {
		return msg.Type() == wire.TypeNoiseEvent
	})).Return(2)

	d := noise.NewDispatcher(noise.DispatcherConfig{
		Manager:     m,
		Broadcaster: bc,
		Notifier:    notifier,
		Now:         clock.Now,
	})

	res := d.Publish(context.Background(), wire.NoiseEvent{TimestampMs: 1, PeakLevel: 50})
	assert.Equal(t, noise.PublishResult{Broadcast: 2, Notified: 1, Skipped: 1}, res)
	notifier.AssertCalled(t, "Notify", "everything", 50)

	// Within cooldown for "everything"; loud enough for "loud-only".
	clock.Advance(10 * time.Second)
	res = d.Publish(context.Background(), wire.NoiseEvent{TimestampMs: 2, PeakLevel: 90})
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, 1, res.Skipped)
	notifier.AssertCalled(t, "Notify", "loud-only", 90)

	clock.Advance(30 * time.Second)
	res = d.Publish(context.Background(), wire.NoiseEvent{TimestampMs: 3, PeakLevel: 90})
	assert.Equal(t, 2, res.Notified)
}

func TestDispatcherCountsFailures(t *testing.T) {
	m, err := noise.NewManager()
	require.NoError(t, err)
	_, _, err = m.Subscribe(noise.SubscribeRequest{DeviceID: "d", DeliveryToken: "a"})
	require.NoError(t, err)

	notifier := &mockNotifier{}
	notifier.On("Notify", "d", 10).Return(errors.New("push rejected"))

	d := noise.NewDispatcher(noise.DispatcherConfig{Manager: m, Notifier: notifier})
	res := d.Publish(context.Background(), wire.NoiseEvent{PeakLevel: 10})
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Broadcast)
}

func TestDispatcherForgetsEndedSubscriptions(t *testing.T) {
	clock := newClock()
	m, err := noise.NewManager(noise.WithClock(clock.Now))
	require.NoError(t, err)
	_, _, err = m.Subscribe(noise.SubscribeRequest{DeviceID: "kept", DeliveryToken: "a"})
	require.NoError(t, err)
	_, _, err = m.Subscribe(noise.SubscribeRequest{DeviceID: "removed", DeliveryToken: "b"})
	require.NoError(t, err)

	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)
	d := noise.NewDispatcher(noise.DispatcherConfig{Manager: m, Notifier: notifier, Now: clock.Now})

	res := d.Publish(context.Background(), wire.NoiseEvent{PeakLevel: 10})
	assert.Equal(t, 2, res.Notified)
	assert.Equal(t, 2, d.Cooldowns())

	require.True(t, m.RemoveDevice("removed"))
	clock.Advance(time.Second)
	res = d.Publish(context.Background(), wire.NoiseEvent{PeakLevel: 10})
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, 1, d.Cooldowns())

	require.True(t, m.RemoveDevice("kept"))
	d.Publish(context.Background(), wire.NoiseEvent{PeakLevel: 10})
	assert.Zero(t, d.Cooldowns())
}
