// Package operator exposes the connection registry over HTTP and WebSocket.
//
// # HTTP Routes
//
//	GET  /devices               registered devices
//	GET  /devices/{id}          one device
//	POST /devices/{id}/requests queue a command: {"command":"led","payload":[1]}
//	                            or with 32-bit integers: {"command":"led","ints":[1,-1]}
//	GET  /devices/{id}/result   next stored result (200) or nothing (204)
//	GET  /ws                    WebSocket, JSON messages
//	GET  /metrics               Prometheus metrics
//	GET  /health                liveness
//
// Identifiers in paths accept decimal or 0x-prefixed hex ("129" or "0x81").
//
// # WebSocket Messages
//
// Each client message carries an "op" and gets exactly one reply with the
// same op:
//
//	{"op":"request","id":1,"command":"led","payload":[1]}
//	{"op":"result","id":2}
//	{"op":"has","id":2}
//	{"op":"list"}
//
// Replies have "ok" and, depending on the op, "result", "devices" or "error".
package operator
