// Package api serves a monitor's HTTPS surface.
//
// The control router runs on the mutually authenticated control port. GET
// /health is open to any TLS client and reports whether the caller's
// certificate is trusted. The remaining endpoints require a trusted client
// certificate:
//
//	POST /unpair             remove the caller from the trust store
//	POST /noise/subscribe    create or renew a noise subscription
//	POST /noise/unsubscribe  end a noise subscription
//	GET  /control/ws         upgrade to a control channel
//
// A control channel accepts the same requests as HTTP_REQUEST messages, which
// are dispatched through the router with the channel's TLS state.
//
// The pairing router runs on the pairing port, accepts untrusted clients and
// serves one PIN pairing exchange per WebSocket on /pair/ws.
package api
