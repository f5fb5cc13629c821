package protocol

import (
	"fmt"
	"sort"
)

// Wire constants
const (
	// ReadMask is the direction flag on opcodes. Set means the device writes
	// a response line; clear means the server writes a payload.
	ReadMask byte = 0x80

	// StreamMask marks a streaming device on the identifier byte.
	StreamMask byte = 0x80

	// MessagePause terminates a command name inside the command table.
	MessagePause byte = 0xFF

	// CommandRefresh asks the device to resend its command table.
	CommandRefresh byte = 0xFF

	// CommandDisconnect tells the device the server is closing the socket.
	CommandDisconnect byte = 0xFE

	// MaxPayload is the largest payload accepted for a write command.
	MaxPayload = 300
)

// Reserved command names, intercepted before ordinary dispatch.
const (
	NameDisconnect = "disconnect"
	NameRefresh    = "refresh"
	NameStream     = "stream"
)

// IsReserved reports whether name is handled by the engine itself.
func IsReserved(name string) bool {
	switch name {
	case NameDisconnect, NameRefresh, NameStream:
		return true
	}
	return false
}

// Opcode is a single command byte on the wire.
type Opcode byte

// IsRead reports whether the direction flag is set.
func (o Opcode) IsRead() bool {
	return byte(o)&ReadMask != 0
}

// IsWrite reports whether the direction flag is clear.
func (o Opcode) IsWrite() bool {
	return !o.IsRead()
}

// String returns the opcode as hex with its direction.
func (o Opcode) String() string {
	dir := "write"
	if o.IsRead() {
		dir = "read"
	}
	return fmt.Sprintf("0x%02x(%s)", byte(o), dir)
}

// Table maps command names to opcodes for a single connection.
// A Table is not safe for concurrent mutation; the engine owns it.
type Table struct {
	entries map[string]Opcode
}

// NewTable returns a table holding only the built-in commands.
func NewTable() *Table {
	t := &Table{}
	t.Reset()
	return t
}

// Reset discards every entry and re-injects the built-ins.
func (t *Table) Reset() {
	t.entries = make(map[string]Opcode)
	t.injectBuiltins()
}

func (t *Table) injectBuiltins() {
	t.entries[NameDisconnect] = Opcode(CommandDisconnect)
	t.entries[NameRefresh] = Opcode(CommandRefresh)
}

// Set adds or replaces an entry.
func (t *Table) Set(name string, op Opcode) {
	if t.entries == nil {
		t.entries = make(map[string]Opcode)
	}
	t.entries[name] = op
}

// Lookup returns the opcode registered for name.
func (t *Table) Lookup(name string) (Opcode, bool) {
	op, ok := t.entries[name]
	return op, ok
}

// Len returns the number of entries, built-ins included.
func (t *Table) Len() int {
	return len(t.entries)
}

// Names returns the command names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
