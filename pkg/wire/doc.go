// Package wire defines the control-plane messages exchanged between a monitor
// and its listeners.
//
// Every message is a JSON object carrying a "type" discriminator. The set of
// variants is closed: Decode switches over every known type and anything else
// is a FormatError, which is fatal to the connection that produced it.
//
// # Message Types
//
//   - PING, PONG: liveness
//   - PAIR_REQUEST, PAIR_CHALLENGE, PAIR_CONFIRM, PAIR_ACCEPT, PAIR_REJECT:
//     PIN pairing over the pairing stream
//   - NOISE_EVENT: pushed by the monitor when the sound level crosses the threshold
//   - NOISE_SUBSCRIBE, NOISE_UNSUBSCRIBE and their *_RESULT replies
//   - HTTP_REQUEST, HTTP_RESPONSE: one-shot endpoint calls tunnelled over
//     the control stream
package wire
