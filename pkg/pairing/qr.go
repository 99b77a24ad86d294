package pairing

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cribcall/cribcall-go/pkg/canonical"
	"github.com/cribcall/cribcall-go/pkg/identity"
	"github.com/cribcall/cribcall-go/pkg/trust"
)

// QR payload constants.
const (
	// QRPayloadType is the only accepted type discriminator.
	QRPayloadType = "monitor_qr_v1"

	// ProtocolVersion is advertised in QR payloads and discovery records.
	ProtocolVersion = 1

	// TransportMTLSWebSocket names the control transport.
	TransportMTLSWebSocket = "mtls-ws"
)

// QRService describes how to reach a monitor.
type QRService struct {
	ControlPort int    `json:"controlPort"`
	PairingPort int    `json:"pairingPort"`
	Version     int    `json:"version"`
	Transport   string `json:"transport"`
}

// QRPayload is the out-of-band payload a monitor renders as a QR code.
type QRPayload struct {
	Type            string    `json:"type"`
	RemoteDeviceID  string    `json:"remoteDeviceId"`
	MonitorName     string    `json:"monitorName"`
	CertFingerprint string    `json:"certFingerprint"`
	Service         QRService `json:"service"`
	IPs             []string  `json:"ips,omitempty"`

	// PairingToken, when present, keys a PAKE exchange so the monitor also
	// learns the scanning listener's certificate.
	PairingToken string `json:"pairingToken,omitempty"`
}

// NewQRPayload builds the payload for a monitor identity.
func NewQRPayload(id *identity.DeviceIdentity, monitorName string, service QRService, ips []string) QRPayload {
	if service.Version == 0 {
		service.Version = ProtocolVersion
	}
	if service.Transport == "" {
		service.Transport = TransportMTLSWebSocket
	}
	return QRPayload{
		Type:            QRPayloadType,
		RemoteDeviceID:  id.DeviceID,
		MonitorName:     monitorName,
		CertFingerprint: id.CertFingerprint,
		Service:         service,
		IPs:             ips,
	}
}

// Encode returns the canonical JSON form of the payload.
func (p QRPayload) Encode() (string, error) {
	b, err := canonical.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode QR payload: %w", err)
	}
	return string(b), nil
}

// ParseQRPayload decodes and validates a scanned payload. The type
// discriminator is checked before any other field is read.
func ParseQRPayload(data string) (*QRPayload, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal([]byte(data), &head); err != nil {
		return nil, &ArgumentError{Field: "payload", Message: "malformed JSON"}
	}
	if head.Type == nil || *head.Type != QRPayloadType {
		got := "<missing>"
		if head.Type != nil {
			got = *head.Type
		}
		return nil, &ArgumentError{Field: "type", Message: fmt.Sprintf("unexpected payload type %q", got)}
	}

	var p QRPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, &ArgumentError{Field: "payload", Message: err.Error()}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *QRPayload) validate() error {
	if p.RemoteDeviceID == "" {
		return &ArgumentError{Field: "remoteDeviceId", Message: "required"}
	}
	p.CertFingerprint = identity.NormalizeFingerprint(p.CertFingerprint)
	if !identity.ValidFingerprint(p.CertFingerprint) {
		return &ArgumentError{Field: "certFingerprint", Message: "must be 64 hex characters"}
	}
	if !validPort(p.Service.ControlPort) {
		return &ArgumentError{Field: "service.controlPort", Message: "out of range"}
	}
	if !validPort(p.Service.PairingPort) {
		return &ArgumentError{Field: "service.pairingPort", Message: "out of range"}
	}
	for _, ip := range p.IPs {
		if net.ParseIP(ip) == nil {
			return &ArgumentError{Field: "ips", Message: fmt.Sprintf("bad address %q", ip)}
		}
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// TrustedPeer returns the trust record a listener stores for the monitor.
func (p QRPayload) TrustedPeer() trust.Peer {
	return trust.Peer{
		RemoteDeviceID:  p.RemoteDeviceID,
		Name:            p.MonitorName,
		CertFingerprint: p.CertFingerprint,
		AddedAtEpochSec: time.Now().Unix(),
	}
}

// ControlAddrs returns host:port candidates for the control server.
func (p QRPayload) ControlAddrs() []string {
	return joinPorts(p.IPs, p.Service.ControlPort)
}

// PairingAddrs returns host:port candidates for the pairing server.
func (p QRPayload) PairingAddrs() []string {
	return joinPorts(p.IPs, p.Service.PairingPort)
}

func joinPorts(ips []string, port int) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, fmt.Sprint(port)))
	}
	return out
}
