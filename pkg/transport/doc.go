// Package transport provides the TLS layer shared by monitors and listeners.
//
// Both sides authenticate with self-signed device certificates and trust is
// pinned by SHA-256 fingerprint rather than by a CA:
//
//   - Server accepts mutual TLS 1.3 connections and serves HTTP and
//     WebSocket upgrades over them. It either rejects untrusted client
//     certificates during the handshake or, for the pairing endpoint, lets
//     handlers decide per request.
//   - NewClientTLSConfig pins the monitor fingerprint during the handshake,
//     and CheckServerPin repeats the check on the negotiated state.
//   - EncodeFrame, FrameWriter and Decoder implement the length-prefixed
//     JSON framing: a 4-byte big-endian length followed by one JSON object.
//   - Registry tracks live connections so trust revocation can close them.
package transport
