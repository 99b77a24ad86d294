// Package trust keeps the set of peers whose certificate fingerprints this
// device accepts.
//
// Monitors record listeners after a confirmed pairing; listeners record the
// monitors they paired with. Removing a peer revokes it immediately: the
// installed Disconnector closes its live connections before Remove returns.
// A Store can be purely in memory or write through to a SQLite Repository.
package trust
