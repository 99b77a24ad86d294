// Package log captures protocol events for the pairing and control layers.
//
// It is separate from operational logging (slog): a capture is a complete,
// machine-readable trace of frames, decoded messages, state changes and
// errors, keyed by connection id and peer fingerprint.
//
//	// console while developing
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// file for later inspection with cribcall-log
//	fl, _ := log.NewFileLogger("/var/lib/cribcall/monitor.clog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(nil), fl)
//
// Capture files are a plain concatenation of CBOR-encoded Event values with
// integer keys.
package log
