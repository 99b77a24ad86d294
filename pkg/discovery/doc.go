// Package discovery advertises and finds CribCall monitors over mDNS/DNS-SD.
//
// A monitor registers one instance of _cribcall._tcp in the local domain.
// The instance name is the monitor's display name. TXT records carry what a
// listener needs to dial and pin the monitor:
//
//	id  monitor device ID
//	fp  SHA-256 certificate fingerprint (lowercase hex)
//	cp  mTLS control port
//	pp  pairing port
//	v   record version
//
// Browse results are aggregated by instance so one monitor reachable over
// several interfaces is reported once, with the union of its addresses.
// Discovery is a convenience: trust always comes from the pinned fingerprint,
// never from the advertisement.
package discovery
