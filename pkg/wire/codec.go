package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FormatError reports a payload that is not a valid control message: a
// missing or unknown type, or fields of the wrong shape.
type FormatError struct {
	Type   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Type == "" {
		return "wire: " + e.Reason
	}
	return fmt.Sprintf("wire: %s: %s", e.Type, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// IsFormatError reports whether err is or wraps a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// Encode returns the JSON object for m with its "type" field first.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("wire: nil message")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.Type(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(string(m.Type()))
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses a JSON object into its typed variant.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &FormatError{Reason: "not a JSON object", Err: err}
	}
	if env.Type == nil || *env.Type == "" {
		return nil, &FormatError{Reason: "missing type"}
	}

	var m Message
	switch MessageType(*env.Type) {
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypePairRequest:
		m = &PairRequest{}
	case TypePairChallenge:
		m = &PairChallenge{}
	case TypePairConfirm:
		m = &PairConfirm{}
	case TypePairAccept:
		m = &PairAccept{}
	case TypePairReject:
		m = &PairReject{}
	case TypeNoiseEvent:
		m = &NoiseEvent{}
	case TypeNoiseSubscribe:
		m = &NoiseSubscribe{}
	case TypeNoiseSubscribeResult:
		m = &NoiseSubscribeResult{}
	case TypeNoiseUnsubscribe:
		m = &NoiseUnsubscribe{}
	case TypeNoiseUnsubscribeResult:
		m = &NoiseUnsubscribeResult{}
	case TypeHTTPRequest:
		m = &HTTPRequest{}
	case TypeHTTPResponse:
		m = &HTTPResponse{}
	default:
		return nil, &FormatError{Type: *env.Type, Reason: "unknown message type"}
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, &FormatError{Type: *env.Type, Reason: "invalid fields", Err: err}
	}
	return m, nil
}
