// Package logging provides structured logging for the ESP control server.
//
// The package wraps a global zap logger with convenience functions used
// throughout the server, and builds the per-device log sinks that record
// every command and response exchanged with a device.
//
// # Log Levels
//
//   - Debug: raw bytes on the wire, queue activity
//   - Info: connections, handshakes, evictions, responses
//   - Warn: dropped requests, non-fatal I/O failures
//   - Error: handshake failures, listener errors
//
// # Configuration
//
// Initialize logging at server startup:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// An empty level falls back to the ESPCTL_LOG_LEVEL environment variable; if
// that is also empty, logging is silent.
//
// # Device Logs
//
// OpenDeviceLog creates an append-only, message-only log file per device
// identifier (Client_<id>.txt) inside a directory:
//
//	sink, err := logging.OpenDeviceLog("/var/log/espctl", 0x01)
//	sink.Record("temp", "23.5")
//
// # Thread Safety
//
// All logging functions are safe for concurrent use.
package logging
