package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReadIdentifier reads the device identifier byte that opens every connection.
func ReadIdentifier(r io.ByteReader) (byte, error) {
	id, err := r.ReadByte()
	if err != nil {
		return 0, &Error{Type: ErrTypeHandshake, Op: "read identifier", Err: err}
	}
	return id, nil
}

// IsStreamingID reports whether the identifier carries the streaming flag.
func IsStreamingID(id byte) bool {
	return id&StreamMask != 0
}

// ReadTable parses a command table as sent by the device after a refresh
// opcode: one count byte followed by count (name, MessagePause, opcode)
// triples. The returned table contains the negotiated entries plus the
// built-ins.
func ReadTable(r io.ByteReader) (*Table, error) {
	count, err := r.ReadByte()
	if err != nil {
		return nil, &Error{Type: ErrTypeHandshake, Op: "read entry count", Err: err}
	}

	table := NewTable()
	var name strings.Builder

	for remaining := int(count); remaining > 0; {
		b, err := r.ReadByte()
		if err != nil {
			return nil, &Error{
				Type: ErrTypeHandshake,
				Op:   fmt.Sprintf("read entry %d of %d", int(count)-remaining+1, count),
				Err:  unexpectedEOF(err),
			}
		}

		if b != MessagePause {
			name.WriteByte(b)
			continue
		}

		op, err := r.ReadByte()
		if err != nil {
			return nil, &Error{
				Type:    ErrTypeHandshake,
				Op:      "read opcode",
				Command: name.String(),
				Err:     unexpectedEOF(err),
			}
		}
		if name.Len() == 0 {
			return nil, &Error{
				Type: ErrTypeHandshake,
				Op:   "read entry",
				Err:  errors.New("empty command name"),
			}
		}

		table.Set(name.String(), Opcode(op))
		name.Reset()
		remaining--
	}

	// Negotiated names never override the built-ins.
	table.injectBuiltins()
	return table, nil
}

// WriteTable encodes a command table the way a device sends it. Built-ins are
// skipped. Used by device simulators and tests.
func WriteTable(w io.Writer, entries []Entry) error {
	if len(entries) > 255 {
		return fmt.Errorf("too many entries: %d", len(entries))
	}
	buf := []byte{byte(len(entries))}
	for _, e := range entries {
		if strings.IndexByte(e.Name, MessagePause) >= 0 {
			return fmt.Errorf("command name %q contains the pause byte", e.Name)
		}
		buf = append(buf, e.Name...)
		buf = append(buf, MessagePause, byte(e.Opcode))
	}
	_, err := w.Write(buf)
	return err
}

// Entry is a single (name, opcode) pair of a command table.
type Entry struct {
	Name   string
	Opcode Opcode
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
