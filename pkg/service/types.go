package service

import (
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cribcall/cribcall-go/pkg/api"
	"github.com/cribcall/cribcall-go/pkg/control"
	"github.com/cribcall/cribcall-go/pkg/discovery"
	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/log"
	"github.com/cribcall/cribcall-go/pkg/noise"
	"github.com/cribcall/cribcall-go/pkg/pairing"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/trust"
)

// Service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrNotPaired      = errors.New("monitor is not paired")
	ErrNoAddress      = errors.New("no address known for monitor")
)

// ServiceState represents the service state.
type ServiceState uint8

const (
	// StateIdle - service created but not started.
	StateIdle ServiceState = iota

	// StateStarting - service is starting up.
	StateStarting

	// StateRunning - service is running normally.
	StateRunning

	// StateStopping - service is shutting down.
	StateStopping

	// StateStopped - service has stopped.
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// MonitorConfig configures a MonitorService.
type MonitorConfig struct {
	// Name is shown to listeners during pairing and in discovery records.
	Name string

	// DeviceID is used when a new identity is generated. Empty picks a UUID.
	DeviceID string

	// ControlAddress is the mTLS control server address (e.g., ":48080").
	ControlAddress string

	// PairingAddress is the pairing server address (e.g., ":48081").
	PairingAddress string

	// DataDir holds the identity, trust database and state file. Empty
	// keeps everything in memory.
	DataDir string

	// SessionTTL and MaxAttempts bound PIN sessions.
	SessionTTL  time.Duration
	MaxAttempts int

	// IdleTimeout closes control channels without traffic.
	IdleTimeout time.Duration

	// PairingRate bounds pairing upgrades per client IP per PairingRateWindow.
	PairingRate       int
	PairingRateWindow time.Duration

	// NoiseThreshold and NoiseCooldown apply to subscriptions that set none.
	NoiseThreshold int
	NoiseCooldown  time.Duration

	// PruneInterval is how often expired subscriptions are dropped.
	PruneInterval time.Duration

	// MetricsAddress serves /metrics on a plain HTTP listener when set.
	MetricsAddress string

	// Advertiser publishes the monitor record (optional).
	Advertiser discovery.Advertiser

	// Confirmer asks the operator to accept PIN pairings. Without one,
	// only QR-token pairings succeed.
	Confirmer pairing.Confirmer

	// Notifier delivers push alerts for noise subscriptions (optional).
	Notifier noise.Notifier

	// Logger is the optional logger for debug output.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// ProtocolLogger receives protocol events (optional).
	ProtocolLogger log.Logger
}

// ListenerConfig configures a ListenerService.
type ListenerConfig struct {
	// Name is shown to the monitor operator during pairing.
	Name string

	// DeviceID is used when a new identity is generated. Empty picks a UUID.
	DeviceID string

	// DataDir holds the identity, trust database and state file. Empty
	// keeps everything in memory.
	DataDir string

	// HandshakeTimeout bounds dialing a monitor.
	HandshakeTimeout time.Duration

	// IdleTimeout closes control channels without traffic.
	IdleTimeout time.Duration

	// Browser finds monitors whose address is not known (optional).
	Browser discovery.Browser

	// Logger is the optional logger for debug output.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// ProtocolLogger receives protocol events (optional).
	ProtocolLogger log.Logger
}

// DefaultMonitorConfig returns a MonitorConfig with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Name:              "CribCall Monitor",
		ControlAddress:    ":" + strconv.Itoa(transport.DefaultControlPort),
		PairingAddress:    ":" + strconv.Itoa(transport.DefaultPairingPort),
		SessionTTL:        pairing.DefaultSessionTTL,
		MaxAttempts:       pairing.DefaultMaxAttempts,
		IdleTimeout:       control.DefaultIdleTimeout,
		PairingRate:       api.DefaultPairingRate,
		PairingRateWindow: api.DefaultPairingRateWindow,
		PruneInterval:     time.Minute,
	}
}

// DefaultListenerConfig returns a ListenerConfig with sensible defaults.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Name:             "CribCall Listener",
		HandshakeTimeout: control.DefaultHandshakeTimeout,
		IdleTimeout:      control.DefaultIdleTimeout,
	}
}

// Validate checks if the monitor config is valid.
func (c *MonitorConfig) Validate() error {
	if c.Name == "" {
		return ErrInvalidConfig
	}
	for _, addr := range []string{c.ControlAddress, c.PairingAddress} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return ErrInvalidConfig
		}
	}
	if c.NoiseThreshold < 0 || c.NoiseCooldown < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Validate checks if the listener config is valid.
func (c *ListenerConfig) Validate() error {
	if c.Name == "" {
		return ErrInvalidConfig
	}
	return nil
}

// Default file names under the data directory.
const (
	IdentityFile = "identity.json"
)

// EventType identifies a service event.
type EventType uint8

const (
	// EventPaired - a peer was added to the trust store.
	EventPaired EventType = iota

	// EventUnpaired - a peer was removed from the trust store.
	EventUnpaired

	// EventConnected - a control channel opened.
	EventConnected

	// EventDisconnected - a control channel ended.
	EventDisconnected

	// EventPairingSession - a PIN session changed state.
	EventPairingSession

	// EventIdentityRegenerated - the device identity was replaced.
	EventIdentityRegenerated

	// EventNoise - a noise event arrived on a listener.
	EventNoise
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventPaired:
		return "PAIRED"
	case EventUnpaired:
		return "UNPAIRED"
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventPairingSession:
		return "PAIRING_SESSION"
	case EventIdentityRegenerated:
		return "IDENTITY_REGENERATED"
	case EventNoise:
		return "NOISE"
	default:
		return "UNKNOWN"
	}
}

// Event represents a service event.
type Event struct {
	// Type is the event type.
	Type EventType

	// Fingerprint is the peer certificate fingerprint (for peer events).
	Fingerprint string

	// DeviceID is the peer device id, when known.
	DeviceID string

	// Peer is set for EventPaired and EventUnpaired.
	Peer *trust.Peer

	// Session is set for EventPairingSession.
	Session *pairing.Session

	// PeakLevel is set for EventNoise.
	PeakLevel int

	// Failure is set for EventDisconnected when the channel failed.
	Failure *control.Failure
}

// EventHandler handles service events.
type EventHandler func(Event)

func identityStore(dataDir string) identity.Store {
	if dataDir == "" {
		return identity.NewMemoryStore()
	}
	return identity.NewFileStore(filepath.Join(dataDir, IdentityFile))
}
