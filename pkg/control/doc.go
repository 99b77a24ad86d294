// Package control implements the bidirectional control channel between a
// listener and a monitor.
//
// A Channel runs over any Stream of byte chunks; WSStream carries chunks as
// binary WebSocket messages over mutual TLS. Frames are length-prefixed
// JSON objects (see package transport) decoded into wire messages.
//
// Lifecycle:
//
//	disconnected -> connecting -> connected -> closed
//	                     |             |
//	                     +-------------+--> error
//
// A channel never reconnects by itself. A failure carries its kind so
// callers can tell a revoked or mismatched peer from a dropped socket.
package control
