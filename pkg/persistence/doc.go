// Package persistence stores runtime state that must survive restarts.
//
// Monitors keep their noise subscriptions here; listeners keep what they
// know about each paired monitor (last address, active subscription).
// Identity keys live in the identity package's FileStore and trusted peers
// in the trust package's SQLite repository.
package persistence
