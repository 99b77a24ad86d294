// Package noise manages noise-alert subscriptions on a monitor and fans
// detected noise events out to listeners.
//
// A listener subscribes with a push delivery token and a lease. Each device
// holds at most one subscription; subscribing again with a new token
// replaces the old one. Leases default to 24 hours and are capped at seven
// days.
package noise
