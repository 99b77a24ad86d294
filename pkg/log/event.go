package log

import (
	"time"
)

// Event is one captured protocol occurrence. Exactly one of Frame, Message,
// StateChange or Error is set. Fields use integer CBOR keys so capture files
// stay small on constrained monitors.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID is the UUID of the control connection or pairing stream.
	ConnectionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// LocalRole is unset when the writer does not know its role.
	LocalRole  Role   `cbor:"6,keyasint,omitempty"`
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// PeerFingerprint is the hex SHA-256 of the peer certificate, empty
	// until the handshake has produced one.
	PeerFingerprint string `cbor:"8,keyasint,omitempty"`
	DeviceID        string `cbor:"9,keyasint,omitempty"`

	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction is relative to the writing endpoint.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer names the part of the stack that produced an event.
type Layer uint8

const (
	// LayerTransport sees length-prefixed frames before decoding.
	LayerTransport Layer = 0
	// LayerWire sees decoded control messages.
	LayerWire Layer = 1
	// LayerPairing covers PIN and QR trust bootstrap.
	LayerPairing Layer = 2
	// LayerControl covers channel lifecycle and request routing.
	LayerControl Layer = 3
)

func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerPairing:
		return "PAIRING"
	case LayerControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// Category selects which payload field of Event is populated.
type Category uint8

// Value 1 is reserved.
const (
	CategoryMessage Category = 0
	CategoryState   Category = 2
	CategoryError   Category = 3
)

func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role of the local endpoint. The monitor serves, listeners dial.
type Role uint8

const (
	RoleMonitor  Role = 1
	RoleListener Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleMonitor:
		return "MONITOR"
	case RoleListener:
		return "LISTENER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent records one transport frame.
type FrameEvent struct {
	// Size counts the 4-byte length prefix.
	Size int `cbor:"1,keyasint"`

	// Data holds at most transport.MaxLogFrameDataSize payload bytes; Truncated marks
	// frames that were cut.
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
}

// MessageEvent records a decoded control message by its discriminator.
type MessageEvent struct {
	Type      string `cbor:"1,keyasint"`
	RequestID string `cbor:"2,keyasint,omitempty"`
}

// StateChangeEvent records a lifecycle transition of a connection, channel
// or pairing session.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity is the kind of object a StateChangeEvent describes.
type StateEntity uint8

const (
	StateEntityConnection     StateEntity = 0
	StateEntityChannel        StateEntity = 1
	StateEntityPairingSession StateEntity = 2
)

func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityChannel:
		return "CHANNEL"
	case StateEntityPairingSession:
		return "PAIRING_SESSION"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData records a failure. Kind mirrors control.FailureKind or
// pairing.Reason names (fingerprintMismatch, expired, ...).
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Kind    string `cbor:"3,keyasint,omitempty"`
	Context string `cbor:"4,keyasint,omitempty"`
}
