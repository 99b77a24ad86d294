package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceType is the DNS-SD service type monitors advertise.
	ServiceType = "_cribcall._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultControlPort is the default mTLS control port.
	DefaultControlPort = 48080

	// DefaultPairingPort is the default pairing port.
	DefaultPairingPort = 48081

	// RecordVersion is the TXT record format version.
	RecordVersion = 1
)

// TXT record key constants.
const (
	TXTKeyDeviceID    = "id" // Monitor device ID
	TXTKeyFingerprint = "fp" // SHA-256 certificate fingerprint (hex)
	TXTKeyControl     = "cp" // Control port
	TXTKeyPairing     = "pp" // Pairing port
	TXTKeyVersion     = "v"  // Record version
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63
)

// Timing constants.
const (
	// DefaultBrowseTimeout bounds FindByFingerprint when the caller sets no deadline.
	DefaultBrowseTimeout = 10 * time.Second

	// DefaultTTL is the DNS record TTL.
	DefaultTTL = 120 * time.Second
)

// Errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrMissingRequired     = errors.New("missing required TXT field")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrNotAdvertising      = errors.New("not advertising")
	ErrNotFound            = errors.New("monitor not found")
)

// MonitorRecord is a monitor as seen on the local network.
type MonitorRecord struct {
	// InstanceName is the DNS-SD instance label (the monitor's display name).
	InstanceName string

	// Host is the advertised target host (browse results only).
	Host string

	DeviceID        string
	MonitorName     string
	CertFingerprint string
	ControlPort     int
	PairingPort     int
	Version         int

	// Addresses are IPv4/IPv6 literals, merged across interfaces.
	Addresses []string
}

// ControlAddrs returns host:port pairs for the control server.
func (r MonitorRecord) ControlAddrs() []string {
	return joinHostPorts(r.Addresses, r.ControlPort)
}

// PairingAddrs returns host:port pairs for the pairing server.
func (r MonitorRecord) PairingAddrs() []string {
	return joinHostPorts(r.Addresses, r.PairingPort)
}

func joinHostPorts(hosts []string, port int) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, net.JoinHostPort(h, strconv.Itoa(port)))
	}
	return out
}
