// Package engine implements the per-device Connection Engine.
//
// An Engine owns one device socket, the command table negotiated during the
// handshake, a FIFO request queue fed by the operator and a result store
// drained by the operator. Its Run loop is the only goroutine that reads from
// the device after the handshake.
//
// # Lifecycle
//
//	Connecting -> Active -> Disconnecting -> Finished
//
// New performs the blocking handshake and returns an Active engine. Disconnect
// (called by the loop for the "disconnect" command, by the registry on
// eviction or shutdown, or when the device goes away) sends the disconnect
// opcode, closes the socket, notifies the Remover and marks the engine
// Finished. Nothing leaves Finished.
//
// # Dispatch
//
// In request-response mode every non-reserved request is processed as a Read
// followed by a Write: the read fetches the device's response for read
// commands, the write pushes the payload for write commands. Only one of the
// two touches the socket for any given opcode. With DispatchStrict the loop
// picks the matching operation up front and reports misuse instead.
//
// In streaming mode the device pushes lines on its own; the loop drains them
// without blocking the queue for longer than one poll interval, and still
// services queued reserved commands so the operator can leave streaming mode
// or disconnect.
//
// # Concurrency
//
// AddRequest and PollResult never block on I/O; each takes its own lock only
// for the queue operation. The loop parks on a wake channel while the queue is
// empty. Socket writes are serialised so a Disconnect issued from another
// goroutine never interleaves with an opcode and its payload.
package engine
