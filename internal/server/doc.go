// Package server implements the connection registry for ESP devices.
//
// The server listens on a plain TCP port. Every accepted connection goes
// through the device handshake (identifier byte, then the command table)
// on the accepting goroutine. A device that completes the handshake gets an
// engine, which is registered under its identifier and then run on a bounded
// worker pool.
//
// # Identifiers
//
// At most one engine is registered per identifier. When a device connects
// with an identifier that is already registered, the old engine is
// disconnected before the new one becomes reachable, so an operator request
// never lands on a stale connection.
//
// # Routing
//
// Operator surfaces (the HTTP/WebSocket API and the console) address devices
// by identifier:
//
//	srv.AddRequestInts("led", 0x01, 1)
//	srv.AddRequest("temp", 0x02, nil)
//	if r, ok := srv.ReadResult(0x02); ok {
//	    fmt.Println(r.Command, r.Response)
//	}
//
// Requests for identifiers that are not registered, and payloads larger than
// protocol.MaxPayload, are logged and dropped.
//
// # Usage Example
//
//	cfg, err := server.ConfigFromFile(file)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := server.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Start blocks until SIGINT/SIGTERM or an accept failure
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// Shutdown closes the listener, disconnects every registered device (each
// receives the disconnect opcode), stops the worker pool and waits for the
// device loops to return. The registry is empty afterwards.
package server
