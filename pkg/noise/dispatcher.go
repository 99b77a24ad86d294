package noise

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cribcall/cribcall-go/pkg/wire"
)

// Broadcaster delivers a message to every connected trusted control channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg wire.Message) int
}

// Notifier delivers an out-of-band push for a subscription. Push providers
// live outside this module.
type Notifier interface {
	Notify(ctx context.Context, sub Subscription, event wire.NoiseEvent) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Manager     *Manager
	Broadcaster Broadcaster
	Notifier    Notifier

	// DefaultThreshold applies to subscriptions without their own (default: 0).
	DefaultThreshold int

	// DefaultCooldown applies to subscriptions without their own (default: 0).
	DefaultCooldown time.Duration

	Logger *slog.Logger

	// Now overrides the time source (default: time.Now).
	Now func() time.Time
}

// PublishResult summarizes one Publish call.
type PublishResult struct {
	Broadcast int
	Notified  int
	Skipped   int
	Failed    int
}

// Dispatcher fans noise events out to live channels and push subscribers.
type Dispatcher struct {
	config DispatcherConfig
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastNotified map[string]time.Time // by subscription id
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Dispatcher{
		config:       config,
		logger:       config.Logger,
		now:          config.Now,
		lastNotified: make(map[string]time.Time),
	}
}

// Publish broadcasts the event as NOISE_EVENT and notifies every active
// subscription whose threshold is met and whose cooldown has elapsed.
func (d *Dispatcher) Publish(ctx context.Context, event wire.NoiseEvent) PublishResult {
	var res PublishResult
	if d.config.Broadcaster != nil {
		ev := event
		res.Broadcast = d.config.Broadcaster.Broadcast(ctx, &ev)
	}
	if d.config.Manager == nil || d.config.Notifier == nil {
		return res
	}

	now := d.now()
	active := d.config.Manager.Active(now)
	d.forgetInactive(active)
	for _, sub := range active {
		if !d.due(sub, event, now) {
			res.Skipped++
			continue
		}
		if err := d.config.Notifier.Notify(ctx, sub, event); err != nil {
			res.Failed++
			d.logger.Warn("noise notification failed",
				"deviceId", sub.DeviceID,
				"subscriptionId", sub.SubscriptionID,
				"error", err)
			continue
		}
		res.Notified++
	}
	return res
}

// due checks threshold and cooldown and reserves the cooldown slot.
func (d *Dispatcher) due(sub Subscription, event wire.NoiseEvent, now time.Time) bool {
	threshold := d.config.DefaultThreshold
	if sub.Threshold != nil {
		threshold = *sub.Threshold
	}
	if event.PeakLevel < threshold {
		return false
	}

	cooldown := d.config.DefaultCooldown
	if sub.CooldownSeconds != nil {
		cooldown = time.Duration(*sub.CooldownSeconds) * time.Second
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastNotified[sub.SubscriptionID]; ok && cooldown > 0 && now.Sub(last) < cooldown {
		return false
	}
	d.lastNotified[sub.SubscriptionID] = now
	return true
}

// forgetInactive drops cooldown entries of subscriptions that have ended.
func (d *Dispatcher) forgetInactive(active []Subscription) {
	live := make(map[string]struct{}, len(active))
	for _, sub := range active {
		live[sub.SubscriptionID] = struct{}{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.lastNotified {
		if _, ok := live[id]; !ok {
			delete(d.lastNotified, id)
		}
	}
}

// Cooldowns returns how many subscriptions have a recorded notification.
func (d *Dispatcher) Cooldowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lastNotified)
}
