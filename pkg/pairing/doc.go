// Package pairing implements listener-to-monitor pairing.
//
// # PIN pairing
//
// The monitor operator starts a session, which shows a six digit PIN valid
// for a short TTL. The listener connects to the monitor's pairing port, pins
// the monitor certificate fingerprint and runs SPAKE2+ keyed by the PIN:
//
//	Listener                              Monitor
//	   |---- PAIR_REQUEST (cert, pA) ------->|
//	   |<--- PAIR_CHALLENGE (pB, tagM) ------|
//	   |---- PAIR_CONFIRM (tagL) ----------->|
//	   |                         operator compares code
//	   |<--- PAIR_ACCEPT / PAIR_REJECT ------|
//
// Both tags are HMACs over the canonical transcript under keys derived from
// the PAKE secret, so a wrong PIN on either side surfaces as a transcript
// mismatch. After a verified exchange both devices show the same six digit
// comparison code.
//
// # QR pairing
//
// A monitor can render a QRPayload carrying its fingerprint and service
// ports. Scanning it trusts the monitor directly; when the payload carries a
// pairing token the listener also runs the PIN flow with the token as the
// secret so the monitor learns the listener certificate.
package pairing
