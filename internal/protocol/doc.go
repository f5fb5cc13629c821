// Package protocol implements the ESP control wire protocol.
//
// The protocol is a fixed, single-byte-opcode binary exchange over TCP. There
// is no framing beyond what is described here, no versioning and no
// multiplexing: one command is in flight per device at a time.
//
// # Handshake
//
// On connect the device sends one identifier byte. If the device is not a
// streaming source the server performs a refresh:
//
//	server -> device: 0xFF (refresh opcode)
//	device -> server: count
//	device -> server: name bytes... 0xFF opcode   (repeated count times)
//
// The resulting Table always contains the two built-in commands
// "disconnect" (0xFE) and "refresh" (0xFF) in addition to the negotiated ones.
//
// # Opcodes
//
// The top bit of an opcode is the direction flag (ReadMask):
//   - set: read command. The server sends the opcode and reads one
//     newline-terminated line as the device's response.
//   - clear: write command. The server sends the opcode followed by the raw
//     payload bytes, if any.
//
// Payloads are little-endian 32-bit integers packed back-to-back and are
// capped at MaxPayload bytes (see EncodePayload).
//
// # Byte Layout
//
// Two byte values are deliberately shared between unrelated fields:
//   - 0xFF is both the refresh opcode (server to device) and the name
//     terminator inside the command table (device to server). The two never
//     travel in the same direction, so parsing is unambiguous; the only
//     consequence is that command names cannot contain 0xFF.
//   - 0x80 is the direction flag on opcodes (ReadMask) and the streaming flag
//     on the identifier byte (StreamMask). The identifier is never interpreted
//     as an opcode, so the two masks never apply to the same byte.
//
// # Dispatch Policy
//
// Routing a read command through a write, or the other way around, is
// protocol misuse. DispatchPermissive treats misuse as a silent no-op;
// DispatchStrict reports it as an ErrTypeBadInstruction error.
package protocol
