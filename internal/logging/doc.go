// Package logging provides structured logging for the update device and host
// tools.
//
// This package wraps a global zap logger with convenience functions. Long-lived
// components (the update engine, the verifier, the mailbox peer, the transport
// server) take their own *zap.Logger; the helpers below accept one and fall
// back to the global logger when it is nil.
//
// # Log Levels
//
//   - Debug: per-command detail, hex dumps of frames, trailer fields
//   - Info: state changes, connections, verification results
//   - Warn: rejected commands, inactivity resets, dropped replies
//   - Error: hardware faults and start-up failures
//
// # Specialized Logging
//
//	logging.LogStateChange(logger, dfu.StateNone, dfu.StateUpdating, "write-data")
//	logging.LogCommand(logger, cmd.Op, cmd.Addr, len(cmd.Data), status, err)
//	logging.LogConnection(logger, remoteAddr, "websocket_upgraded")
//	logging.LogWebSocketMessage(logger, remoteAddr, "received", msgType, payload)
//
// # Configuration
//
// Logging is silent unless a level is given or SECUREDFU_LOG_LEVEL is set:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// Output goes to stderr in console format so that host commands can keep
// stdout for their results.
package logging
