// Package service provides high-level orchestration for CribCall monitors
// and listeners.
//
// This package ties together the lower-level components into cohesive APIs:
//
// # MonitorService
//
// MonitorService runs the baby-side device. It handles:
//   - the persistent device identity and trust store
//   - the mTLS control server (/health, /unpair, /noise/*, /control/ws)
//   - the pairing server with PIN and QR-token sessions
//   - noise subscriptions and fan-out of noise events
//   - mDNS advertisement and Prometheus metrics
//
// Example usage:
//
//	config := service.DefaultMonitorConfig()
//	config.DataDir = dataDir
//	config.Confirmer = confirmer
//
//	svc, err := service.NewMonitorService(config)
//	svc.Start(ctx)
//	defer svc.Stop()
//
//	session, _ := svc.StartPINPairing()
//	fmt.Println("PIN:", session.PIN)
//
// # ListenerService
//
// ListenerService runs the parent-side device. It pairs with monitors by PIN
// or QR payload, opens control channels and calls the monitor's HTTPS
// endpoints through a pinned client.
//
//	svc, _ := service.NewListenerService(service.DefaultListenerConfig())
//	svc.Start(ctx)
//	result, _ := svc.PairWithPIN(ctx, "192.168.1.20:48081", pin, monitorFP, showCode)
//	ch, _ := svc.Connect(ctx, monitorFP, control.Options{})
//
// # Component Lifecycle
//
// A Registry holds shared values and Components. StartAll starts the
// components in dependency order and StopAll stops them in reverse, so each
// component only sees started dependencies.
//
// # Event Callbacks
//
// Both services emit events for pairing, unpairing, channel and identity
// changes through OnEvent.
package service
