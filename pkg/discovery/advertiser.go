package discovery

import (
	"context"
	"time"
)

// Advertiser publishes a single monitor record on the local network.
type Advertiser interface {
	// Advertise starts advertising the record, replacing any previous one.
	Advertise(ctx context.Context, rec MonitorRecord) error

	// Update refreshes the TXT records of the active advertisement.
	// Returns ErrNotAdvertising when nothing is advertised.
	Update(rec MonitorRecord) error

	// Stop withdraws the advertisement. Safe to call repeatedly.
	Stop() error
}

// Browser finds monitors on the local network.
type Browser interface {
	// Browse emits each monitor once, when first seen. The channel is closed
	// when ctx is done.
	Browse(ctx context.Context) (<-chan MonitorRecord, error)

	// FindByFingerprint returns the first monitor advertising fp.
	FindByFingerprint(ctx context.Context, fp string) (MonitorRecord, error)
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		Interface: "",
		TTL:       DefaultTTL,
	}
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// BrowseTimeout bounds FindByFingerprint when ctx has no deadline.
	// Default: 10 seconds.
	BrowseTimeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		BrowseTimeout: DefaultBrowseTimeout,
	}
}

// NoopAdvertiser is used when advertising is disabled.
type NoopAdvertiser struct{}

func (NoopAdvertiser) Advertise(context.Context, MonitorRecord) error { return nil }
func (NoopAdvertiser) Update(MonitorRecord) error                    { return nil }
func (NoopAdvertiser) Stop() error                                   { return nil }

var _ Advertiser = NoopAdvertiser{}
